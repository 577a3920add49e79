package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// Domain errors for the link package.
var (
	// ErrSessionClosed fails every pending request when a session drops
	// and every call made after it dropped.
	ErrSessionClosed = errors.New("link: session closed")

	// ErrBadReply is returned when a peer's RESPONSE carries an
	// unexpected payload shape.
	ErrBadReply = errors.New("link: malformed peer reply")

	// ErrNotOwned is returned when a proxy is handed back to a session
	// that did not produce it.
	ErrNotOwned = errors.New("link: proxy not owned by this session")
)

// Conn is the bidirectional message transport a session runs over. It is
// the subset of *websocket.Conn the session needs; tests substitute an
// in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Options configures a Session.
type Options struct {
	// Gateway marks the session as the owning node's gateway: the node
	// delegates registration and connection of non-authoritative ids to
	// it. Domain selects the gateway slot; empty means the wildcard.
	Gateway bool
	Domain  string
	Logger  node.Logger
}

// callResult completes one in-flight request.
type callResult struct {
	res any
	err error
}

// binding ties a connid to a local device proxy and the listener handles
// that translate its notifications into outgoing PUT/NOTIFY frames.
type binding struct {
	proxy    node.Proxy
	putID    int
	notifyID int
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Session owns one peer connection.
//
// Thread Safety: all methods are safe for concurrent use. Incoming frames
// are decoded by the single Run loop; blocking verb handling happens in
// per-request goroutines so a slow device never stalls the reader.
type Session struct {
	node    *node.Node
	conn    Conn
	logger  node.Logger
	gateway bool
	domain  string

	// writeMu serializes frame writes on the transport.
	writeMu sync.Mutex

	// mu guards everything below.
	mu              sync.Mutex
	closed          bool
	seq             uint64
	pending         map[string]chan callResult
	devicesByConnID map[string]*binding
	proxiesByDevice map[string]*remoteProxy
	proxyConns      map[string][]*remoteProxy
	registrations   map[string]string // deviceid → connid, gateway side
}

// NewSession wraps a connection in a session for the given node. A
// gateway-mode session immediately claims the node's gateway slot for its
// domain; the claim is released when the session closes.
func NewSession(n *node.Node, conn Conn, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	domain := opts.Domain
	if domain == "" {
		domain = node.WildcardDomain
	}

	s := &Session{
		node:            n,
		conn:            conn,
		logger:          logger,
		gateway:         opts.Gateway,
		domain:          domain,
		pending:         make(map[string]chan callResult),
		devicesByConnID: make(map[string]*binding),
		proxiesByDevice: make(map[string]*remoteProxy),
		proxyConns:      make(map[string][]*remoteProxy),
		registrations:   make(map[string]string),
	}

	if opts.Gateway {
		if err := n.RegisterGateway(domain, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run reads frames until the connection drops, then tears the session
// down. It is the session's single reader; frames are decoded in arrival
// order.
func (s *Session) Run() error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.teardown()
			return err
		}
		if messageType != websocket.TextMessage {
			s.logger.Warn("binary frame rejected")
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("undecodable frame dropped", "error", err)
			continue
		}
		s.handleFrame(&f)
	}
}

// Close tears the session down and closes the transport.
func (s *Session) Close() error {
	s.teardown()
	return s.conn.Close()
}

// teardown deregisters every device the peer registered through this
// session, releases the gateway slot if one was held, fails every pending
// request, and detaches all connid bindings. Idempotent.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	registered := s.proxiesByDevice
	bindings := s.devicesByConnID
	s.pending = make(map[string]chan callResult)
	s.proxiesByDevice = make(map[string]*remoteProxy)
	s.devicesByConnID = make(map[string]*binding)
	s.proxyConns = make(map[string][]*remoteProxy)
	s.registrations = make(map[string]string)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: ErrSessionClosed}
	}

	ctx := context.Background()
	for deviceID := range registered {
		if _, err := s.node.DeregisterDevice(ctx, deviceID); err != nil {
			s.logger.Warn("teardown deregister failed", "device", deviceID, "error", err)
		}
	}
	for _, b := range bindings {
		s.unbind(b)
		if err := s.node.Disconnect(ctx, b.proxy); err != nil {
			s.logger.Warn("teardown disconnect failed", "device", b.proxy.DeviceID(), "error", err)
		}
	}
	if s.gateway {
		if err := s.node.DeregisterGateway(s.domain, s); err != nil {
			s.logger.Warn("teardown gateway release failed", "domain", s.domain, "error", err)
		}
	}
	s.logger.Info("session closed",
		"pending_failed", len(pending),
		"devices_released", len(registered),
		"bindings_released", len(bindings),
	)
}

// roundTrip assigns the next reqid, sends the frame, and blocks until the
// matching RESPONSE arrives or ctx is cancelled. A synchronous send
// failure removes the pending entry and fails immediately.
func (s *Session) roundTrip(ctx context.Context, f *Frame) (any, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.seq++
	reqID := json.RawMessage(strconv.FormatUint(s.seq, 10))
	key := string(reqID)
	ch := make(chan callResult, 1)
	s.pending[key] = ch
	s.mu.Unlock()

	f.ReqID = reqID
	if err := s.writeFrame(f); err != nil {
		s.dropPending(key)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		s.dropPending(key)
		return nil, ctx.Err()
	}
}

func (s *Session) dropPending(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// notifyPeer sends an upstream PUT/NOTIFY frame without waiting for the
// reply: delivery is fire-and-forget, but the round-trip still runs so the
// pending table is cleaned when the RESPONSE lands.
func (s *Session) notifyPeer(f *Frame) {
	go func() {
		if _, err := s.roundTrip(context.Background(), f); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("notification send failed", "method", f.Method, "device", f.DeviceID, "error", err)
		}
	}()
}

func (s *Session) writeFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("link: encoding frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// respond sends a RESPONSE for the given reqid. Success when errText is
// empty.
func (s *Session) respond(reqID json.RawMessage, res any, errText string) {
	if len(reqID) == 0 {
		return
	}
	success := errText == ""
	f := &Frame{
		Method:  MethodResponse,
		ReqID:   reqID,
		Success: &success,
	}
	if success {
		f.Res = res
	} else {
		f.Err = errText
	}
	if err := s.writeFrame(f); err != nil {
		s.logger.Warn("response send failed", "error", err)
	}
}

// handleFrame routes one decoded frame. Invalid frames fail the frame,
// not the session.
func (s *Session) handleFrame(f *Frame) {
	if !ValidMethod(f.Method) {
		s.logger.Warn("unknown method", "method", f.Method)
		s.respond(f.ReqID, nil, fmt.Sprintf("Unknown method: '%s'", f.Method))
		return
	}

	switch f.Method {
	case MethodResponse:
		s.handleResponse(f)
	case MethodRegister:
		s.handleRegister(f)
	case MethodDeregister:
		s.handleDeregister(f)
	case MethodConnect:
		s.handleConnect(f)
	case MethodDisconnect:
		s.handleDisconnect(f)
	case MethodPut, MethodNotify:
		s.handleUpstream(f)
	default:
		s.handleDownstream(f)
	}
}

// handleResponse completes the pending request the reqid addresses. At
// most one completion per reqid: the entry is removed under the lock.
func (s *Session) handleResponse(f *Frame) {
	key := string(f.ReqID)
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response for unknown reqid dropped", "reqid", key)
		return
	}

	if f.Success != nil && *f.Success {
		ch <- callResult{res: f.Res}
		return
	}
	errText := f.Err
	if errText == "" {
		errText = "request failed"
	}
	ch <- callResult{err: errors.New(errText)}
}

// handleRegister creates a remote device proxy for the peer's device and
// places it in the node's registry. The entry is reserved before the
// registry call so a duplicate REGISTER racing the first is refused.
func (s *Session) handleRegister(f *Frame) {
	proxy := newRemoteProxy(s, f.DeviceID, f.ConnID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.proxiesByDevice[f.DeviceID]; dup {
		s.mu.Unlock()
		s.respond(f.ReqID, nil, fmt.Sprintf("Already registered: '%s'", f.DeviceID))
		return
	}
	s.proxiesByDevice[f.DeviceID] = proxy
	s.mu.Unlock()

	go func() {
		id, err := s.node.RegisterDevice(context.Background(), f.DeviceID, proxy)
		if err != nil {
			s.mu.Lock()
			delete(s.proxiesByDevice, f.DeviceID)
			s.mu.Unlock()
			s.respond(f.ReqID, nil, err.Error())
			return
		}

		// The session may have torn down while the registry call ran; its
		// sweep missed this device, so roll the registration back here.
		s.mu.Lock()
		stale := s.closed || s.proxiesByDevice[f.DeviceID] != proxy
		s.mu.Unlock()
		if stale {
			if _, err := s.node.DeregisterDevice(context.Background(), id); err != nil {
				s.logger.Warn("stale registration rollback failed", "device", id, "error", err)
			}
			s.respond(f.ReqID, nil, ErrSessionClosed.Error())
			return
		}

		s.logger.Info("peer device registered", "device", id)
		s.respond(f.ReqID, id, "")
	}()
}

// handleDeregister tears down a REGISTER.
func (s *Session) handleDeregister(f *Frame) {
	s.mu.Lock()
	_, ok := s.proxiesByDevice[f.DeviceID]
	if ok {
		delete(s.proxiesByDevice, f.DeviceID)
	}
	s.mu.Unlock()
	if !ok {
		s.respond(f.ReqID, nil, fmt.Sprintf("Unknown device: '%s'", f.DeviceID))
		return
	}

	go func() {
		if _, err := s.node.DeregisterDevice(context.Background(), f.DeviceID); err != nil {
			s.respond(f.ReqID, nil, err.Error())
			return
		}
		s.logger.Info("peer device deregistered", "device", f.DeviceID)
		s.respond(f.ReqID, true, "")
	}()
}

// handleConnect obtains a proxy from the node, mints a connid, and binds
// the proxy so its notifications flow back to the peer as PUT/NOTIFY
// frames. The reply carries the connid.
func (s *Session) handleConnect(f *Frame) {
	go func() {
		proxy, err := s.node.Connect(context.Background(), f.DeviceID)
		if err != nil {
			s.respond(f.ReqID, nil, err.Error())
			return
		}

		connID := uuid.NewString()
		b := s.bind(connID, proxy)
		if b == nil {
			// Session closed while connecting; release the proxy again.
			if err := s.node.Disconnect(context.Background(), proxy); err != nil {
				s.logger.Warn("release after close failed", "device", f.DeviceID, "error", err)
			}
			s.respond(f.ReqID, nil, ErrSessionClosed.Error())
			return
		}
		s.logger.Debug("peer connected", "device", f.DeviceID, "connid", connID)
		s.respond(f.ReqID, connID, "")
	}()
}

// handleDisconnect releases a CONNECT.
func (s *Session) handleDisconnect(f *Frame) {
	s.mu.Lock()
	b, ok := s.devicesByConnID[f.ConnID]
	if ok {
		delete(s.devicesByConnID, f.ConnID)
	}
	s.mu.Unlock()
	if !ok {
		s.respond(f.ReqID, nil, fmt.Sprintf("Unknown connection: '%s'", f.ConnID))
		return
	}

	s.unbind(b)
	go func() {
		if err := s.node.Disconnect(context.Background(), b.proxy); err != nil {
			s.respond(f.ReqID, nil, err.Error())
			return
		}
		s.respond(f.ReqID, true, "")
	}()
}

// handleDownstream invokes a device capability addressed by connid and
// replies with the resolved value or the failure's message text.
func (s *Session) handleDownstream(f *Frame) {
	verb, ok := downstreamVerbs[f.Method]
	if !ok {
		s.respond(f.ReqID, nil, fmt.Sprintf("Unknown method: '%s'", f.Method))
		return
	}

	s.mu.Lock()
	b, bound := s.devicesByConnID[f.ConnID]
	s.mu.Unlock()
	if !bound {
		s.respond(f.ReqID, nil, fmt.Sprintf("Unknown connection: '%s'", f.ConnID))
		return
	}

	go func() {
		res, err := s.invoke(context.Background(), b.proxy, verb, f)
		if err != nil {
			s.respond(f.ReqID, nil, err.Error())
			return
		}
		s.respond(f.ReqID, res, "")
	}()
}

func (s *Session) invoke(ctx context.Context, dev node.Device, verb node.Method, f *Frame) (any, error) {
	switch verb {
	case node.MethodGet:
		return dev.Get(ctx, f.Identifier)
	case node.MethodSet:
		return dev.Set(ctx, f.Identifier, f.Value)
	case node.MethodInvoke:
		return dev.Invoke(ctx, f.Identifier, f.Value)
	case node.MethodSubscribe:
		return dev.Subscribe(ctx, f.Identifier)
	case node.MethodDescribe:
		return dev.Describe(ctx, f.Identifier)
	case node.MethodConfig:
		return dev.Config(ctx, f.Identifier, f.Value)
	default:
		return nil, fmt.Errorf("link: verb '%s' is not invocable", verb)
	}
}

// handleUpstream emits a peer-sent PUT/NOTIFY on every matching proxy:
// devices the peer registered here (feeding this node's upstream fan-out)
// and remote proxies handed to local callers. The reply is sent once,
// immediately, without waiting for subscribers.
func (s *Session) handleUpstream(f *Frame) {
	s.mu.Lock()
	targets := make([]*remoteProxy, 0, 1+len(s.proxyConns[f.DeviceID]))
	if proxy, ok := s.proxiesByDevice[f.DeviceID]; ok {
		targets = append(targets, proxy)
	}
	targets = append(targets, s.proxyConns[f.DeviceID]...)
	s.mu.Unlock()

	s.respond(f.ReqID, true, "")

	if len(targets) == 0 {
		s.logger.Debug("notification for unknown device dropped", "device", f.DeviceID)
		return
	}

	method := f.Method
	identifier := f.Identifier
	value := f.Value
	params := notifyParams(f)
	go func() {
		for _, proxy := range targets {
			if method == MethodPut {
				proxy.events.EmitPut(identifier, value)
			} else {
				proxy.events.EmitNotify(identifier, params)
			}
		}
	}()
}

// bind records a connid → proxy binding and attaches the listeners that
// forward the proxy's notifications to the peer. Returns nil when the
// session is already closed.
func (s *Session) bind(connID string, proxy node.Proxy) *binding {
	deviceID := proxy.DeviceID()
	b := &binding{proxy: proxy}
	b.putID = proxy.Events().OnPut(func(metric string, value any) {
		s.notifyPeer(&Frame{
			Method:     MethodPut,
			DeviceID:   deviceID,
			ConnID:     connID,
			Identifier: metric,
			Value:      value,
		})
	})
	b.notifyID = proxy.Events().OnNotify(func(event string, params []any) {
		s.notifyPeer(&Frame{
			Method:     MethodNotify,
			DeviceID:   deviceID,
			ConnID:     connID,
			Identifier: event,
			Params:     params,
		})
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unbind(b)
		return nil
	}
	s.devicesByConnID[connID] = b
	s.mu.Unlock()
	return b
}

// unbind detaches the listeners attached by bind.
func (s *Session) unbind(b *binding) {
	b.proxy.Events().OffPut(b.putID)
	b.proxy.Events().OffNotify(b.notifyID)
}

// PendingCount reports the number of in-flight outgoing requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
