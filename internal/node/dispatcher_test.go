package node

import (
	"context"
	"errors"
	"testing"
)

// mockDevice is a scriptable Device for dispatcher and registry tests.
type mockDevice struct {
	events *Emitter

	getFn    func(property string) (any, error)
	setFn    func(property string, value any) (any, error)
	invokeFn func(method string, params any) (any, error)
}

func newMockDevice() *mockDevice {
	return &mockDevice{events: NewEmitter()}
}

func (d *mockDevice) Events() *Emitter { return d.events }

func (d *mockDevice) Get(_ context.Context, property string) (any, error) {
	if d.getFn != nil {
		return d.getFn(property)
	}
	return map[string]any{"property": property}, nil
}

func (d *mockDevice) Set(_ context.Context, property string, value any) (any, error) {
	if d.setFn != nil {
		return d.setFn(property, value)
	}
	return nil, nil
}

func (d *mockDevice) Invoke(_ context.Context, method string, params any) (any, error) {
	if d.invokeFn != nil {
		return d.invokeFn(method, params)
	}
	return nil, nil
}

func (d *mockDevice) Subscribe(_ context.Context, event string) (any, error) {
	return "subscribed:" + event, nil
}

func (d *mockDevice) Describe(_ context.Context, property string) (any, error) {
	return map[string]any{"schema": property}, nil
}

func (d *mockDevice) Config(_ context.Context, property string, value any) (any, error) {
	return value, nil
}

func registerMock(t *testing.T, n *Node, rawID string) (*mockDevice, string) {
	t.Helper()
	dev := newMockDevice()
	id, err := n.RegisterDevice(context.Background(), rawID, dev)
	if err != nil {
		t.Fatalf("registering %q: %v", rawID, err)
	}
	return dev, id
}

func TestDispatchDownstreamOrder(t *testing.T) {
	n := New(Options{})
	_, id := registerMock(t, n, "test-device-id")

	var visits []string
	for _, name := range []string{"first", "second"} {
		name := name
		n.Use(func(_ context.Context, _ *Request, next Next) (any, error) {
			visits = append(visits, name)
			return next()
		})
	}

	if _, err := n.Dispatch(context.Background(), &Request{DeviceID: id, Method: MethodGet, Identifier: "prop"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(visits) != 2 || visits[0] != "first" || visits[1] != "second" {
		t.Errorf("downstream order wrong: %v", visits)
	}
}

func TestDispatchUpstreamReverseOrder(t *testing.T) {
	n := New(Options{})
	_, id := registerMock(t, n, "test-device-id")

	var visits []string
	for _, name := range []string{"first", "second"} {
		name := name
		n.Use(func(_ context.Context, _ *Request, next Next) (any, error) {
			visits = append(visits, name)
			return next()
		})
	}

	if _, err := n.Dispatch(context.Background(), &Request{DeviceID: id, Method: MethodPut, Identifier: "metric", Value: 1.0}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(visits) != 2 || visits[0] != "second" || visits[1] != "first" {
		t.Errorf("upstream order wrong: %v", visits)
	}
}

func TestDispatchShortCircuit(t *testing.T) {
	n := New(Options{})
	dev, id := registerMock(t, n, "test-device-id")
	dev.getFn = func(string) (any, error) {
		t.Error("device must not be reached after short-circuit")
		return nil, nil
	}

	n.Use(func(_ context.Context, _ *Request, _ Next) (any, error) {
		return "intercepted", nil
	})

	res, err := n.Dispatch(context.Background(), &Request{DeviceID: id, Method: MethodGet, Identifier: "prop"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res != "intercepted" {
		t.Errorf("expected short-circuit result, got %v", res)
	}
}

func TestDispatchSubstitutesLastDefinedResult(t *testing.T) {
	n := New(Options{})
	dev, id := registerMock(t, n, "test-device-id")
	dev.getFn = func(string) (any, error) { return "from-device", nil }

	// The layer invokes next but returns nothing; the deeper result must
	// be substituted.
	n.Use(func(_ context.Context, _ *Request, next Next) (any, error) {
		if _, err := next(); err != nil {
			return nil, err
		}
		return nil, nil
	})

	res, err := n.Dispatch(context.Background(), &Request{DeviceID: id, Method: MethodGet, Identifier: "prop"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res != "from-device" {
		t.Errorf("expected last defined result %q, got %v", "from-device", res)
	}
}

func TestDispatchLayerMustInvokeNextOrReturn(t *testing.T) {
	n := New(Options{})
	registerMock(t, n, "test-device-id")

	n.Use(func(_ context.Context, _ *Request, _ Next) (any, error) {
		return nil, nil
	})

	_, err := n.Dispatch(context.Background(), &Request{DeviceID: ".:test-device-id", Method: MethodGet, Identifier: "prop"})
	if !errors.Is(err, ErrNoResult) {
		t.Errorf("expected ErrNoResult, got %v", err)
	}
}

func TestDispatchErrorsFlowBackward(t *testing.T) {
	n := New(Options{})
	registerMock(t, n, "test-device-id")

	boom := errors.New("boom")
	var sawError error
	var deepRan bool

	// Earlier layer observes and replaces the failure of a deeper layer.
	n.Use(func(_ context.Context, _ *Request, next Next) (any, error) {
		res, err := next()
		if err != nil {
			sawError = err
			return "recovered", nil
		}
		return res, nil
	})
	n.Use(func(_ context.Context, _ *Request, _ Next) (any, error) {
		return nil, boom
	})
	n.Use(func(_ context.Context, _ *Request, next Next) (any, error) {
		// Layers after the failing one never run.
		deepRan = true
		return next()
	})

	res, err := n.Dispatch(context.Background(), &Request{DeviceID: ".:test-device-id", Method: MethodGet, Identifier: "prop"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res != "recovered" {
		t.Errorf("expected recovery result, got %v", res)
	}
	if !errors.Is(sawError, boom) {
		t.Errorf("earlier layer should observe the failure, saw %v", sawError)
	}
	if deepRan {
		t.Error("layers deeper than the failing one must not run")
	}
}

func TestDispatchUnhandledErrorSurfaces(t *testing.T) {
	n := New(Options{})
	registerMock(t, n, "test-device-id")

	boom := errors.New("boom")
	n.Use(func(_ context.Context, _ *Request, _ Next) (any, error) {
		return nil, boom
	})

	_, err := n.Dispatch(context.Background(), &Request{DeviceID: ".:test-device-id", Method: MethodGet, Identifier: "prop"})
	if !errors.Is(err, boom) {
		t.Errorf("expected handler failure to surface, got %v", err)
	}
}

func TestDispatchNotConnected(t *testing.T) {
	n := New(Options{})

	_, err := n.Dispatch(context.Background(), &Request{DeviceID: ".:ghost", Method: MethodGet, Identifier: "prop"})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if err.Error() != "Device '.:ghost' is not connected" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestDispatchSetAndInvokeSubstituteTrue(t *testing.T) {
	n := New(Options{})
	_, id := registerMock(t, n, "test-device-id")

	res, err := n.Dispatch(context.Background(), &Request{DeviceID: id, Method: MethodSet, Identifier: "prop", Value: 5})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if res != true {
		t.Errorf("SET with empty device result should yield true, got %v", res)
	}

	res, err = n.Dispatch(context.Background(), &Request{DeviceID: id, Method: MethodInvoke, Identifier: "m", Value: nil})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res != true {
		t.Errorf("INVOKE with empty device result should yield true, got %v", res)
	}
}
