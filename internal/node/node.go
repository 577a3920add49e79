package node

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Logger defines the logging interface used by the Node.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DefaultDomain is prepended to ids that carry no domain part when the
// node was configured without one.
const DefaultDomain = "."

// Options configures a Node.
type Options struct {
	// DefaultDomain is applied when a raw id has no colon. Empty means
	// DefaultDomain (".").
	DefaultDomain string

	// Domains lists domains the node claims authority for. Advisory: the
	// resolver claims any domain with no gateway regardless.
	Domains []string
}

// deviceEntry tracks a registered device together with the notification
// listeners attached at register time, so deregister can detach them.
type deviceEntry struct {
	device   Device
	events   *Emitter
	putID    int
	notifyID int
	// gateway is non-nil when the registration was forwarded upstream
	// (this node is not authoritative for the id).
	gateway Gateway
}

// Node is the routing engine for one devmesh process.
//
// All public methods are thread-safe.
type Node struct {
	defaultDomain string
	domains       []string
	logger        Logger

	mu      sync.Mutex
	devices map[string]*deviceEntry

	gwMu     sync.Mutex
	gateways map[string]Gateway

	proxies *proxyRegistry

	hMu      sync.Mutex
	handlers []Handler
}

// New creates a node with the given options.
func New(opts Options) *Node {
	dd := opts.DefaultDomain
	if dd == "" {
		dd = DefaultDomain
	}
	return &Node{
		defaultDomain: dd,
		domains:       opts.Domains,
		logger:        noopLogger{},
		devices:       make(map[string]*deviceEntry),
		gateways:      make(map[string]Gateway),
		proxies:       newProxyRegistry(),
	}
}

// SetLogger sets the logger for the node.
func (n *Node) SetLogger(logger Logger) {
	n.logger = logger
}

// RegisterDevice attaches a device under the given id and returns the
// normalized id. Registering an id that already exists is an error, not an
// update. If the device implements Notifier, its put and notify streams
// are wired into the dispatcher. When this node is not authoritative for
// the id, a LocalProxy is placed in the proxy registry and the
// registration is forwarded to the gateway.
func (n *Node) RegisterDevice(ctx context.Context, rawID string, dev Device) (string, error) {
	auth := n.Resolve(rawID)
	if !auth.Valid {
		return "", fmt.Errorf("%w: %s", ErrInvalidID, auth.Err)
	}
	id := auth.DeviceID

	entry := &deviceEntry{device: dev}
	if notifier, ok := dev.(Notifier); ok {
		entry.events = notifier.Events()
	}

	n.mu.Lock()
	if _, exists := n.devices[id]; exists {
		n.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", ErrDeviceExists, id)
	}
	n.devices[id] = entry
	n.mu.Unlock()

	// Wire device-originated notifications into the upstream pipeline.
	if entry.events != nil {
		entry.putID = entry.events.OnPut(func(metric string, value any) {
			req := &Request{DeviceID: id, Method: MethodPut, Identifier: metric, Value: value}
			if _, err := n.Dispatch(context.Background(), req); err != nil {
				n.logger.Warn("upstream put dispatch failed", "device", id, "metric", metric, "error", err)
			}
		})
		entry.notifyID = entry.events.OnNotify(func(event string, params []any) {
			req := &Request{DeviceID: id, Method: MethodNotify, Identifier: event, Params: params}
			if _, err := n.Dispatch(context.Background(), req); err != nil {
				n.logger.Warn("upstream notify dispatch failed", "device", id, "event", event, "error", err)
			}
		})
	}

	// Non-authoritative: hand a LocalProxy to the gateway so the
	// authoritative peer can reach the device, and so its upstream
	// notifications have exactly one outlet on this node.
	if !auth.Local && auth.Gateway != nil {
		proxy := newLocalProxy(n, id)
		n.proxies.attach(id, proxy)
		if err := auth.Gateway.RegisterDevice(ctx, id, proxy); err != nil {
			n.proxies.detach(id, proxy)
			n.unregister(id)
			return "", fmt.Errorf("forwarding registration for '%s': %w", id, err)
		}
		entry.gateway = auth.Gateway
	}

	n.logger.Info("device registered", "id", id, "local", auth.Local)
	return id, nil
}

// DeregisterDevice removes a registration and returns the device. All
// listeners attached during RegisterDevice are detached. A forwarded
// registration is also torn down at the gateway.
func (n *Node) DeregisterDevice(ctx context.Context, rawID string) (Device, error) {
	auth := n.Resolve(rawID)
	if !auth.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidID, auth.Err)
	}
	id := auth.DeviceID

	entry := n.unregister(id)
	if entry == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrDeviceNotFound, id)
	}

	if entry.gateway != nil {
		n.proxies.drop(id)
		if err := entry.gateway.DeregisterDevice(ctx, id); err != nil {
			n.logger.Warn("forwarding deregistration failed", "id", id, "error", err)
		}
	}

	n.logger.Info("device deregistered", "id", id)
	return entry.device, nil
}

// unregister removes the entry and detaches its listeners; nil if absent.
func (n *Node) unregister(id string) *deviceEntry {
	n.mu.Lock()
	entry, ok := n.devices[id]
	if ok {
		delete(n.devices, id)
	}
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if entry.events != nil {
		entry.events.OffPut(entry.putID)
		entry.events.OffNotify(entry.notifyID)
	}
	return entry
}

// HasDevice reports whether the normalized id is registered.
func (n *Node) HasDevice(rawID string) bool {
	auth := n.Resolve(rawID)
	if !auth.Valid {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.devices[auth.DeviceID]
	return ok
}

// DeviceIDs returns a snapshot of the registered device ids.
func (n *Node) DeviceIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.devices))
	for id := range n.devices {
		ids = append(ids, id)
	}
	return ids
}

// device looks up the implementation for a normalized id.
func (n *Node) device(id string) Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	if entry, ok := n.devices[id]; ok {
		return entry.device
	}
	return nil
}

// Connect returns a device-shaped proxy for the id. On the authoritative
// node the proxy is a LocalProxy placed in the proxy registry; otherwise
// the call is delegated to the gateway and blocks until the peer replies.
func (n *Node) Connect(ctx context.Context, rawID string) (Proxy, error) {
	auth := n.Resolve(rawID)
	if !auth.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidID, auth.Err)
	}
	id := auth.DeviceID

	if !auth.Local {
		return auth.Gateway.Connect(ctx, id)
	}

	if !n.HasDevice(id) {
		return nil, &NotConnectedError{ID: id}
	}
	proxy := newLocalProxy(n, id)
	n.proxies.attach(id, proxy)
	n.logger.Debug("proxy connected", "id", id, "proxies", n.proxies.count(id))
	return proxy, nil
}

// Disconnect releases a proxy obtained from Connect. Local proxies are
// detached from the proxy registry; remote proxies are released by the
// session that owns them.
func (n *Node) Disconnect(ctx context.Context, proxy Proxy) error {
	switch p := proxy.(type) {
	case *LocalProxy:
		n.proxies.detach(p.deviceID, p)
		n.logger.Debug("proxy disconnected", "id", p.deviceID)
		return nil
	case Releaser:
		return p.Release(ctx)
	default:
		return ErrUnknownProxy
	}
}

// RegisterGateway binds a gateway adapter to a domain. At most one entry
// may exist per domain; the wildcard "*" matches any unclaimed domain.
func (n *Node) RegisterGateway(domain string, gw Gateway) error {
	key := normalizeDomain(domain)
	n.gwMu.Lock()
	defer n.gwMu.Unlock()
	if _, exists := n.gateways[key]; exists {
		return fmt.Errorf("%w: '%s'", ErrGatewayExists, key)
	}
	n.gateways[key] = gw
	n.logger.Info("gateway registered", "domain", key)
	return nil
}

// DeregisterGateway releases the gateway slot for a domain. The gateway
// must match the registered one.
func (n *Node) DeregisterGateway(domain string, gw Gateway) error {
	key := normalizeDomain(domain)
	n.gwMu.Lock()
	defer n.gwMu.Unlock()
	existing, ok := n.gateways[key]
	if !ok || existing != gw {
		return fmt.Errorf("%w: '%s'", ErrGatewayNotFound, key)
	}
	delete(n.gateways, key)
	n.logger.Info("gateway deregistered", "domain", key)
	return nil
}

// gatewayFor looks up the gateway for a domain, preferring an exact entry
// over the wildcard.
func (n *Node) gatewayFor(domain string) Gateway {
	n.gwMu.Lock()
	defer n.gwMu.Unlock()
	if gw, ok := n.gateways[domain]; ok {
		return gw
	}
	return n.gateways[WildcardDomain]
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
