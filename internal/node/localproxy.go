package node

import "context"

// LocalProxy is the handle Connect returns on the authoritative node.
// Every capability call constructs a Request and re-enters the node's
// dispatcher, so middleware always runs; the Emitter receives the
// notifications fanned out upstream for the device.
type LocalProxy struct {
	node     *Node
	deviceID string
	events   *Emitter
}

func newLocalProxy(n *Node, deviceID string) *LocalProxy {
	return &LocalProxy{
		node:     n,
		deviceID: deviceID,
		events:   NewEmitter(),
	}
}

// DeviceID returns the normalized id the proxy is connected to.
func (p *LocalProxy) DeviceID() string {
	return p.deviceID
}

// Events returns the proxy's notification streams.
func (p *LocalProxy) Events() *Emitter {
	return p.events
}

func (p *LocalProxy) Get(ctx context.Context, property string) (any, error) {
	return p.node.Dispatch(ctx, &Request{DeviceID: p.deviceID, Method: MethodGet, Identifier: property})
}

func (p *LocalProxy) Set(ctx context.Context, property string, value any) (any, error) {
	return p.node.Dispatch(ctx, &Request{DeviceID: p.deviceID, Method: MethodSet, Identifier: property, Value: value})
}

func (p *LocalProxy) Invoke(ctx context.Context, method string, params any) (any, error) {
	return p.node.Dispatch(ctx, &Request{DeviceID: p.deviceID, Method: MethodInvoke, Identifier: method, Value: params})
}

func (p *LocalProxy) Subscribe(ctx context.Context, event string) (any, error) {
	return p.node.Dispatch(ctx, &Request{DeviceID: p.deviceID, Method: MethodSubscribe, Identifier: event})
}

func (p *LocalProxy) Describe(ctx context.Context, property string) (any, error) {
	return p.node.Dispatch(ctx, &Request{DeviceID: p.deviceID, Method: MethodDescribe, Identifier: property})
}

func (p *LocalProxy) Config(ctx context.Context, property string, value any) (any, error) {
	return p.node.Dispatch(ctx, &Request{DeviceID: p.deviceID, Method: MethodConfig, Identifier: property, Value: value})
}
