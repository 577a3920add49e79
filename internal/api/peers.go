package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devmesh-core/internal/link"
)

// upgrader configures the peer-socket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Peers are other nodes, not browsers; origin is meaningless.
		return true
	},
}

// handlePeers upgrades the connection and runs a link session on it. The
// handler goroutine is the session's reader; it returns when the peer
// drops.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("peer upgrade failed", "error", err)
		return
	}

	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	sess, err := link.NewSession(s.node, conn, link.Options{
		Logger: s.logger.With("component", "link", "peer", r.RemoteAddr),
	})
	if err != nil {
		s.logger.Error("peer session setup failed", "error", err)
		conn.Close() //nolint:errcheck // already failing
		return
	}
	s.logger.Info("peer connected", "remote", r.RemoteAddr)

	// Keepalive pings; WriteControl is safe alongside the session's
	// writes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				//nolint:errcheck // a failed ping surfaces as a read error
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			case <-done:
				return
			}
		}
	}()

	if err := sess.Run(); err != nil {
		s.logger.Info("peer disconnected", "remote", r.RemoteAddr, "error", err)
	}
}
