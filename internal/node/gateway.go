package node

import "context"

// Gateway is the adapter a link session presents to the node when the
// session was opened in gateway mode. The node delegates registration and
// connection of non-authoritative ids to it; each method corresponds to a
// peer protocol verb and blocks until the peer's RESPONSE arrives.
type Gateway interface {
	// RegisterDevice forwards a local registration to the authoritative
	// peer. The proxy is the LocalProxy the node placed in its proxy
	// registry for the id; the gateway binds it so downstream verbs from
	// the peer reach the local device and upstream notifications flow out.
	RegisterDevice(ctx context.Context, deviceID string, proxy Proxy) error

	// DeregisterDevice tears down a RegisterDevice.
	DeregisterDevice(ctx context.Context, deviceID string) error

	// Connect obtains a remote proxy for a device the peer is
	// authoritative for.
	Connect(ctx context.Context, deviceID string) (Proxy, error)

	// Disconnect releases a proxy obtained from Connect.
	Disconnect(ctx context.Context, proxy Proxy) error
}
