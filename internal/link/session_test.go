package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// pipeConn is an in-memory Conn; two ends share one done channel so
// closing either side drops the link for both, like a real socket.
type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: ba, out: ab, done: done, once: once}
	b := &pipeConn{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.done:
		return 0, nil, errors.New("pipe closed")
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errors.New("pipe closed")
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// countingConn counts outgoing frames per method.
type countingConn struct {
	Conn
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingConn) WriteMessage(messageType int, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err == nil {
		c.mu.Lock()
		if c.counts == nil {
			c.counts = make(map[string]int)
		}
		c.counts[f.Method]++
		c.mu.Unlock()
	}
	return c.Conn.WriteMessage(messageType, data)
}

func (c *countingConn) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[method]
}

// testDevice is a scriptable device for link tests.
type testDevice struct {
	events   *node.Emitter
	invokeFn func(method string, params any) (any, error)
	getFn    func(property string) (any, error)
}

func newTestDevice() *testDevice {
	return &testDevice{events: node.NewEmitter()}
}

func (d *testDevice) Events() *node.Emitter { return d.events }

func (d *testDevice) Get(_ context.Context, property string) (any, error) {
	if d.getFn != nil {
		return d.getFn(property)
	}
	return "value:" + property, nil
}

func (d *testDevice) Set(_ context.Context, _ string, _ any) (any, error) { return nil, nil }

func (d *testDevice) Invoke(_ context.Context, method string, params any) (any, error) {
	if d.invokeFn != nil {
		return d.invokeFn(method, params)
	}
	return nil, nil
}

func (d *testDevice) Subscribe(_ context.Context, event string) (any, error) {
	return "subscribed:" + event, nil
}

func (d *testDevice) Describe(_ context.Context, property string) (any, error) {
	return map[string]any{"schema": property}, nil
}

func (d *testDevice) Config(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

// peerPair wires a master and a container node together over a pipe. The
// container side runs in gateway mode under the wildcard domain.
type peerPair struct {
	master    *node.Node
	container *node.Node
	masterS   *Session
	contS     *Session
	contConn  *countingConn
}

func startPair(t *testing.T) *peerPair {
	t.Helper()
	master := node.New(node.Options{})
	container := node.New(node.Options{})
	a, b := newPipe()
	counting := &countingConn{Conn: b}

	masterS, err := NewSession(master, a, Options{})
	if err != nil {
		t.Fatalf("master session: %v", err)
	}
	contS, err := NewSession(container, counting, Options{Gateway: true})
	if err != nil {
		t.Fatalf("container session: %v", err)
	}
	go masterS.Run() //nolint:errcheck // exits on close
	go contS.Run()   //nolint:errcheck // exits on close
	t.Cleanup(func() {
		contS.Close()   //nolint:errcheck // cleanup
		masterS.Close() //nolint:errcheck // cleanup
	})

	return &peerPair{
		master:    master,
		container: container,
		masterS:   masterS,
		contS:     contS,
		contConn:  counting,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Seed scenario: device on master, invoked from the container side.
func TestGatewayRoundTripDeviceOnMaster(t *testing.T) {
	pair := startPair(t)

	dev := newTestDevice()
	dev.invokeFn = func(method string, params any) (any, error) {
		return map[string]any{"invoked": method, "with": params}, nil
	}
	if _, err := pair.master.RegisterDevice(context.Background(), "test-device-id", dev); err != nil {
		t.Fatalf("register on master: %v", err)
	}

	proxy, err := pair.container.Connect(context.Background(), "test-device-id")
	if err != nil {
		t.Fatalf("connect via gateway: %v", err)
	}

	res, err := proxy.Invoke(context.Background(), "methodname", map[string]any{"params": "here"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := map[string]any{"invoked": "methodname", "with": map[string]any{"params": "here"}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("invoke result %v, want %v", res, want)
	}

	if got := pair.contConn.count(MethodConnect); got != 1 {
		t.Errorf("expected a single CONNECT frame, got %d", got)
	}
	if got := pair.contConn.count(MethodInvoke); got != 1 {
		t.Errorf("expected a single INVOKE frame, got %d", got)
	}
	if n := pair.contS.PendingCount(); n != 0 {
		t.Errorf("pending table should be empty after responses, has %d", n)
	}
}

// Seed scenario: device hosted on the container must still be reached
// through the master's pipeline when connected locally.
func TestGatewayRoundTripDeviceOnContainer(t *testing.T) {
	pair := startPair(t)

	var masterSawInvoke bool
	pair.master.Use(func(_ context.Context, req *node.Request, next node.Next) (any, error) {
		if req.Method == node.MethodInvoke {
			masterSawInvoke = true
		}
		return next()
	})

	dev := newTestDevice()
	dev.invokeFn = func(method string, _ any) (any, error) {
		return "ran:" + method, nil
	}
	id, err := pair.container.RegisterDevice(context.Background(), "test-device-id", dev)
	if err != nil {
		t.Fatalf("register on container: %v", err)
	}
	waitFor(t, "registration to reach master", func() bool {
		return pair.master.HasDevice(id)
	})

	proxy, err := pair.container.Connect(context.Background(), "test-device-id")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, isRemote := proxy.(*remoteProxy); !isRemote {
		t.Fatal("connect on the container must return a remote proxy, not a local one")
	}

	res, err := proxy.Invoke(context.Background(), "methodname", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res != "ran:methodname" {
		t.Errorf("invoke result %v", res)
	}
	if !masterSawInvoke {
		t.Error("the call must traverse the master's middleware")
	}
}

// Upstream path: a put on the master's device reaches the container-side
// caller.
func TestUpstreamNotificationAcrossLink(t *testing.T) {
	pair := startPair(t)

	dev := newTestDevice()
	if _, err := pair.master.RegisterDevice(context.Background(), "test-device-id", dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	proxy, err := pair.container.Connect(context.Background(), "test-device-id")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var gotEvent string
	var gotParams []any
	proxy.Events().OnNotify(func(event string, params []any) {
		mu.Lock()
		defer mu.Unlock()
		gotEvent = event
		gotParams = params
	})

	dev.events.EmitNotify("event", []any{"a1", "a2"})

	waitFor(t, "notification to cross the link", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotEvent == "event"
	})
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(gotParams, []any{"a1", "a2"}) {
		t.Errorf("params %v, want %v", gotParams, []any{"a1", "a2"})
	}
}

// Full relay: device on the container, notification observed by a
// container-side caller after two link hops through the master.
func TestUpstreamNotificationRelayedThroughMaster(t *testing.T) {
	pair := startPair(t)

	dev := newTestDevice()
	id, err := pair.container.RegisterDevice(context.Background(), "test-device-id", dev)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "registration to reach master", func() bool {
		return pair.master.HasDevice(id)
	})

	proxy, err := pair.container.Connect(context.Background(), "test-device-id")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []any
	proxy.Events().OnPut(func(metric string, value any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, metric, value)
	})

	dev.events.EmitPut("temperature", 21.5)

	waitFor(t, "put to relay through master", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "temperature" || got[1] != 21.5 {
		t.Errorf("got %v", got)
	}
}

// Seed scenario: the second REGISTER for an id on one link must be
// refused.
func TestDuplicateRegisterOverLink(t *testing.T) {
	master := node.New(node.Options{})
	a, b := newPipe()
	s, err := NewSession(master, a, Options{})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	go s.Run() //nolint:errcheck // exits on close
	defer s.Close()

	send := func(t *testing.T, f Frame) {
		t.Helper()
		data, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := b.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	recv := func(t *testing.T) Frame {
		t.Helper()
		_, data, err := b.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return f
	}

	send(t, Frame{Method: MethodRegister, ReqID: json.RawMessage("1"), DeviceID: "test-device-id", ConnID: "c-1"})
	first := recv(t)
	if first.Method != MethodResponse || first.Success == nil || !*first.Success {
		t.Fatalf("first REGISTER should succeed: %+v", first)
	}

	send(t, Frame{Method: MethodRegister, ReqID: json.RawMessage("2"), DeviceID: "test-device-id", ConnID: "c-2"})
	second := recv(t)
	if second.Success == nil || *second.Success {
		t.Fatalf("second REGISTER should fail: %+v", second)
	}
	if !strings.Contains(second.Err, "Already") {
		t.Errorf("err %q should contain %q", second.Err, "Already")
	}
	if string(second.ReqID) != "2" {
		t.Errorf("reqid %s not echoed", second.ReqID)
	}
}

// Seed scenario: closing the link removes the peer's devices from the
// master's registry.
func TestLinkDropCleansUpRegistrations(t *testing.T) {
	pair := startPair(t)

	id, err := pair.container.RegisterDevice(context.Background(), "test-device-id", newTestDevice())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "registration to reach master", func() bool {
		return pair.master.HasDevice(id)
	})

	if err := pair.contS.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	waitFor(t, "master to drop the device", func() bool {
		return !pair.master.HasDevice(id)
	})
}

// Session drop with N pending requests surfaces exactly N failures.
func TestCloseFailsAllPending(t *testing.T) {
	n := node.New(node.Options{})
	a, _ := newPipe() // peer end never answers
	s, err := NewSession(n, a, Options{})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	const inFlight = 5
	errCh := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		go func(i int) {
			_, err := s.roundTrip(context.Background(), &Frame{
				Method:   MethodGet,
				DeviceID: fmt.Sprintf("dev-%d", i),
				ConnID:   "c-1",
			})
			errCh <- err
		}(i)
	}
	waitFor(t, "requests to be in flight", func() bool {
		return s.PendingCount() == inFlight
	})

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for i := 0; i < inFlight; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrSessionClosed) {
				t.Errorf("pending request %d: got %v, want ErrSessionClosed", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request did not fail on close")
		}
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending table not empty after close: %d", s.PendingCount())
	}

	// Requests after close fail immediately.
	if _, err := s.roundTrip(context.Background(), &Frame{Method: MethodGet}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("post-close request: got %v, want ErrSessionClosed", err)
	}
}

// A NOTIFY whose payload is not a list is wrapped in a one-element list.
func TestNotifyValueWrappedInList(t *testing.T) {
	pair := startPair(t)

	dev := newTestDevice()
	if _, err := pair.master.RegisterDevice(context.Background(), "test-device-id", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	proxy, err := pair.container.Connect(context.Background(), "test-device-id")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []any
	proxy.Events().OnNotify(func(_ string, params []any) {
		mu.Lock()
		defer mu.Unlock()
		got = params
	})

	// Wrap a bare (non-list) value as the receiving session does, then
	// drive the master's upstream dispatch with the wrapped list.
	f := &Frame{Method: MethodNotify, DeviceID: ".:test-device-id", Identifier: "event", Value: "single"}
	if params := notifyParams(f); !reflect.DeepEqual(params, []any{"single"}) {
		t.Fatalf("notifyParams %v, want wrapped list", params)
	}
	dev.events.EmitNotify("event", notifyParams(f))

	waitFor(t, "wrapped notify to arrive", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "single" {
		t.Errorf("got %v", got)
	}
}

// Unknown verbs and undecodable frames fail the frame, not the session.
// pipeConn delivers every message as text, so the binary write below
// reaches the session as an undecodable text frame.
func TestInvalidFramesLeaveSessionOpen(t *testing.T) {
	master := node.New(node.Options{})
	a, b := newPipe()
	s, err := NewSession(master, a, Options{})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	go s.Run() //nolint:errcheck // exits on close
	defer s.Close()

	// Non-JSON payload (written as binary, read back as text): dropped.
	if err := b.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	// Unknown method: answered with a failure.
	if err := b.WriteMessage(websocket.TextMessage, []byte(`{"method":"EXPLODE","reqid":7}`)); err != nil {
		t.Fatalf("write unknown: %v", err)
	}

	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Frame
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success == nil || *resp.Success {
		t.Errorf("unknown method should fail: %+v", resp)
	}

	// The session is still usable afterwards.
	if _, err := master.RegisterDevice(context.Background(), "still-alive", newTestDevice()); err != nil {
		t.Fatalf("register: %v", err)
	}
	send, err := json.Marshal(Frame{Method: MethodConnect, ReqID: json.RawMessage("8"), DeviceID: "still-alive"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.WriteMessage(websocket.TextMessage, send); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	_, data, err = b.ReadMessage()
	if err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success == nil || !*resp.Success {
		t.Errorf("session should still serve CONNECT: %+v", resp)
	}
}

// Closing a gateway session releases the node's gateway slot.
func TestCloseReleasesGatewaySlot(t *testing.T) {
	pair := startPair(t)

	if err := pair.contS.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// With the slot free, a new gateway registration must succeed.
	a, _ := newPipe()
	replacement, err := NewSession(pair.container, a, Options{Gateway: true})
	if err != nil {
		t.Fatalf("gateway slot was not released: %v", err)
	}
	defer replacement.Close()
}
