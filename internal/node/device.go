package node

import (
	"context"
	"sync"
)

// Device is the capability surface every attached device implements.
//
// All methods are treated as potentially blocking; implementations that
// talk to hardware or a peer link should honour ctx cancellation.
type Device interface {
	Get(ctx context.Context, property string) (any, error)
	Set(ctx context.Context, property string, value any) (any, error)
	Invoke(ctx context.Context, method string, params any) (any, error)
	Subscribe(ctx context.Context, event string) (any, error)
	Describe(ctx context.Context, property string) (any, error)
	Config(ctx context.Context, property string, value any) (any, error)
}

// Notifier is implemented by devices that produce upstream notifications.
// The registry attaches exactly two listeners (put, notify) at register
// time and detaches them at deregister.
type Notifier interface {
	Events() *Emitter
}

// Proxy is the caller-facing handle returned by Connect. Its capability
// methods route through the authoritative node's dispatcher; its Emitter
// receives the upstream notifications fanned out for the device.
type Proxy interface {
	Device
	Notifier
	DeviceID() string
}

// Releaser is implemented by proxies whose lifetime is owned elsewhere,
// such as remote proxies owned by a link session. Node.Disconnect
// delegates to Release for these.
type Releaser interface {
	Release(ctx context.Context) error
}

// PutListener receives a device-originated metric sample.
type PutListener func(metric string, value any)

// NotifyListener receives a device-originated event.
type NotifyListener func(event string, params []any)

// Emitter is a two-channel callback registry for the put and notify
// notification streams of a single device or proxy.
//
// Thread Safety: all methods are safe for concurrent use. Listeners are
// invoked outside the lock, in attachment order.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	putIDs   []int
	puts     map[int]PutListener
	notifIDs []int
	notifies map[int]NotifyListener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		puts:     make(map[int]PutListener),
		notifies: make(map[int]NotifyListener),
	}
}

// OnPut attaches a put listener and returns a handle for OffPut.
func (e *Emitter) OnPut(fn PutListener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.puts[e.nextID] = fn
	e.putIDs = append(e.putIDs, e.nextID)
	return e.nextID
}

// OffPut detaches a put listener by handle.
func (e *Emitter) OffPut(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.puts, id)
	e.putIDs = removeID(e.putIDs, id)
}

// OnNotify attaches a notify listener and returns a handle for OffNotify.
func (e *Emitter) OnNotify(fn NotifyListener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.notifies[e.nextID] = fn
	e.notifIDs = append(e.notifIDs, e.nextID)
	return e.nextID
}

// OffNotify detaches a notify listener by handle.
func (e *Emitter) OffNotify(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.notifies, id)
	e.notifIDs = removeID(e.notifIDs, id)
}

// EmitPut invokes every put listener in attachment order.
func (e *Emitter) EmitPut(metric string, value any) {
	for _, fn := range e.putSnapshot() {
		fn(metric, value)
	}
}

// EmitNotify invokes every notify listener in attachment order.
func (e *Emitter) EmitNotify(event string, params []any) {
	for _, fn := range e.notifySnapshot() {
		fn(event, params)
	}
}

func (e *Emitter) putSnapshot() []PutListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]PutListener, 0, len(e.putIDs))
	for _, id := range e.putIDs {
		if fn, ok := e.puts[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func (e *Emitter) notifySnapshot() []NotifyListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]NotifyListener, 0, len(e.notifIDs))
	for _, id := range e.notifIDs {
		if fn, ok := e.notifies[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func removeID(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
