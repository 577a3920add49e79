// Package link implements the peer protocol that ties two devmesh nodes
// together over a bidirectional message connection.
//
// One Session owns one peer connection. It encodes and decodes JSON wire
// frames, multiplexes in-flight requests by reqid, tracks the devices and
// connections established through it, and implements the four peer verbs
// (REGISTER, DEREGISTER, CONNECT, DISCONNECT) on top of the eight device
// verbs and RESPONSE.
//
// A session opened in gateway mode additionally registers itself as the
// owning node's gateway for one domain, so the node's registry and connect
// path delegate non-authoritative ids to it (the Session type implements
// node.Gateway).
//
// # Session state
//
// Five maps, all session-scoped and serialized by one mutex:
//
//   - devicesByConnID: local devices (usually LocalProxies) the peer has
//     connected to or registered, keyed by connid.
//   - proxiesByDevice: remote device proxies created in response to a
//     REGISTER from the peer; this node is authoritative for those ids.
//   - proxyConns: remote device proxies handed to local callers of
//     Connect for ids the peer is authoritative for.
//   - registrations: deviceid → connid for registrations this node
//     forwarded to the peer in gateway mode.
//   - pending: reqid → in-flight response channel.
//
// Closing the session deregisters every peer-registered device, releases
// the gateway slot if one was held, fails every pending request, and
// releases all connid bindings.
//
// # Transport
//
// The wire is any transport satisfying Conn; production sessions run over
// gorilla/websocket text messages (binary frames are rejected). Frames on
// one session are decoded in arrival order by a single reader; responses
// may complete out of order, matched by reqid only.
package link
