package link

import (
	"context"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// remoteProxy is a device-shaped object that forwards every capability
// call over a link session as a protocol frame. The same type serves both
// roles the session plays: the proxy registered into the node when the
// peer REGISTERs a device, and the proxy handed to local callers after a
// CONNECT round-trip.
type remoteProxy struct {
	session  *Session
	deviceID string
	connID   string
	events   *node.Emitter
}

var _ node.Proxy = (*remoteProxy)(nil)
var _ node.Releaser = (*remoteProxy)(nil)

func newRemoteProxy(s *Session, deviceID, connID string) *remoteProxy {
	return &remoteProxy{
		session:  s,
		deviceID: deviceID,
		connID:   connID,
		events:   node.NewEmitter(),
	}
}

func (p *remoteProxy) DeviceID() string      { return p.deviceID }
func (p *remoteProxy) Events() *node.Emitter { return p.events }

// Release lets node.Disconnect hand the proxy back to the session that
// owns it.
func (p *remoteProxy) Release(ctx context.Context) error {
	return p.session.Disconnect(ctx, p)
}

func (p *remoteProxy) call(ctx context.Context, method, identifier string, value any) (any, error) {
	return p.session.roundTrip(ctx, &Frame{
		Method:     method,
		DeviceID:   p.deviceID,
		ConnID:     p.connID,
		Identifier: identifier,
		Value:      value,
	})
}

func (p *remoteProxy) Get(ctx context.Context, property string) (any, error) {
	return p.call(ctx, MethodGet, property, nil)
}

func (p *remoteProxy) Set(ctx context.Context, property string, value any) (any, error) {
	return p.call(ctx, MethodSet, property, value)
}

func (p *remoteProxy) Invoke(ctx context.Context, method string, params any) (any, error) {
	return p.call(ctx, MethodInvoke, method, params)
}

func (p *remoteProxy) Subscribe(ctx context.Context, event string) (any, error) {
	return p.call(ctx, MethodSubscribe, event, nil)
}

func (p *remoteProxy) Describe(ctx context.Context, property string) (any, error) {
	return p.call(ctx, MethodDescribe, property, nil)
}

func (p *remoteProxy) Config(ctx context.Context, property string, value any) (any, error) {
	return p.call(ctx, MethodConfig, property, value)
}
