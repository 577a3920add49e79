// Package node implements the routing core of a devmesh node: the
// authority resolver, the device and proxy registries, the gateway table,
// and the bidirectional middleware dispatcher that every device request
// flows through.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                              Node                                │
//	│                                                                  │
//	│  ┌───────────────┐  ┌────────────────┐  ┌────────────────────┐   │
//	│  │   Authority   │  │     Device     │  │       Proxy        │   │
//	│  │   Resolver    │  │    Registry    │  │      Registry      │   │
//	│  │ (authority.go)│  │   (node.go)    │  │   (proxies.go)     │   │
//	│  └───────┬───────┘  └───────┬────────┘  └─────────┬──────────┘   │
//	│          │                  │                     │              │
//	│          └─────────┬────────┴──────────┬──────────┘              │
//	│                    ▼                   ▼                         │
//	│          ┌──────────────────────────────────────┐                │
//	│          │        Middleware Dispatcher         │                │
//	│          │           (dispatcher.go)            │                │
//	│          │  downstream: handlers → device       │                │
//	│          │  upstream:   device → proxy fan-out  │                │
//	│          └──────────────────────────────────────┘                │
//	└──────────────────────────────────────────────────────────────────┘
//
// A device id has the form "<domain>:<name>". For each id exactly one node
// in a federation is authoritative; the resolver decides whether that is
// the local node or a peer reachable through a registered Gateway. Local
// callers obtain a device-shaped handle with Connect; on the authoritative
// node this is a LocalProxy whose every call re-enters the dispatcher, on
// any other node it is a remote proxy supplied by the gateway.
//
// # Request flow
//
// Application-originated requests (GET, SET, INVOKE, SUBSCRIBE, DESCRIBE,
// CONFIG) travel downstream through the middleware chain to the device.
// Device-originated notifications (PUT, NOTIFY) travel upstream through
// the same chain in reverse order and fan out to every proxy currently
// connected to the device.
//
// # Thread Safety
//
// All Node methods are safe for concurrent use. Registry and proxy-table
// mutations are serialized by per-structure mutexes; the dispatcher itself
// is lock-free over an immutable snapshot of the handler chain.
package node
