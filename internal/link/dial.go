package link

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// Dial and reconnect timing.
const (
	defaultDialTimeout    = 10 * time.Second
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// DialOptions configures an outbound peer link.
type DialOptions struct {
	// URL is the peer's websocket endpoint, e.g. "ws://master:8420/peers".
	URL    string
	Header http.Header

	// Gateway and Domain are passed through to the session; a container
	// node dials its master with Gateway set.
	Gateway bool
	Domain  string
	Logger  node.Logger
}

// Dial opens a websocket connection to a peer and wraps it in a session.
// The caller runs the session with Run.
func Dial(ctx context.Context, n *node.Node, opts DialOptions) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("link: dialing %s: %w", opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body is drained by gorilla
	}

	sess, err := NewSession(n, conn, Options{
		Gateway: opts.Gateway,
		Domain:  opts.Domain,
		Logger:  opts.Logger,
	})
	if err != nil {
		conn.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return sess, nil
}

// Maintain keeps an outbound peer link alive: it dials, runs the session
// until the connection drops, and redials with capped exponential backoff
// until ctx is cancelled. Each reconnect is a fresh session; registrations
// made through the old one died with it and must be re-established by
// their owners.
func Maintain(ctx context.Context, n *node.Node, opts DialOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	delay := initialReconnectDelay
	for {
		sess, err := Dial(ctx, n, opts)
		if err != nil {
			logger.Warn("peer dial failed", "url", opts.URL, "retry_in", delay, "error", err)
		} else {
			logger.Info("peer link established", "url", opts.URL, "gateway", opts.Gateway, "domain", opts.Domain)
			delay = initialReconnectDelay

			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					sess.Close() //nolint:errcheck // shutting down
				case <-done:
				}
			}()
			runErr := sess.Run()
			close(done)

			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("peer link dropped", "url", opts.URL, "retry_in", delay, "error", runErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
