package node

import (
	"context"
	"testing"
)

// stubGateway satisfies Gateway for resolver tests; no call should ever
// reach it. The name makes instances distinguishable by equality.
type stubGateway struct {
	name string
}

func (stubGateway) RegisterDevice(context.Context, string, Proxy) error { return nil }
func (stubGateway) DeregisterDevice(context.Context, string) error      { return nil }
func (stubGateway) Connect(context.Context, string) (Proxy, error)      { return nil, nil }
func (stubGateway) Disconnect(context.Context, Proxy) error             { return nil }

func TestResolveDefaultDomain(t *testing.T) {
	n := New(Options{})

	auth := n.Resolve("test-device-id")
	if !auth.Valid {
		t.Fatalf("expected valid record, got err %q", auth.Err)
	}
	if auth.DeviceID != ".:test-device-id" {
		t.Errorf("expected default domain applied, got %q", auth.DeviceID)
	}
	if auth.Domain != "." {
		t.Errorf("expected domain %q, got %q", ".", auth.Domain)
	}
	if !auth.Local || !auth.Routable {
		t.Errorf("unclaimed domain should be local and routable: %+v", auth)
	}
}

func TestResolveLowercases(t *testing.T) {
	n := New(Options{})

	auth := n.Resolve("Lights:Kitchen-MAIN")
	if auth.DeviceID != "lights:kitchen-main" {
		t.Errorf("expected lowercased id, got %q", auth.DeviceID)
	}
	if auth.Domain != "lights" {
		t.Errorf("expected lowercased domain, got %q", auth.Domain)
	}
}

func TestResolveEmptyDomainIsLocalNonRoutable(t *testing.T) {
	n := New(Options{})
	// A wildcard gateway must not capture empty-domain ids.
	if err := n.RegisterGateway(WildcardDomain, stubGateway{name: "wild"}); err != nil {
		t.Fatalf("registering wildcard gateway: %v", err)
	}

	auth := n.Resolve(":scratch-device")
	if !auth.Valid {
		t.Fatalf("expected valid record, got err %q", auth.Err)
	}
	if !auth.Local {
		t.Error("empty-domain id must be local")
	}
	if auth.Routable {
		t.Error("empty-domain id must not be routable")
	}
	if auth.Gateway != nil {
		t.Error("empty-domain id must not resolve to a gateway")
	}
}

func TestResolveIdempotent(t *testing.T) {
	n := New(Options{DefaultDomain: "site"})

	for _, raw := range []string{"Sensor-1", "Lights:Hall", ":local-only", "a:b:c"} {
		first := n.Resolve(raw)
		if !first.Valid {
			t.Fatalf("Resolve(%q) invalid: %s", raw, first.Err)
		}
		second := n.Resolve(first.DeviceID)
		if second.DeviceID != first.DeviceID || second.Domain != first.Domain ||
			second.Local != first.Local || second.Routable != first.Routable {
			t.Errorf("Resolve not idempotent for %q: %+v vs %+v", raw, first, second)
		}
	}
}

func TestResolvePrefersExactGatewayOverWildcard(t *testing.T) {
	n := New(Options{})
	exact := stubGateway{name: "exact"}
	wild := stubGateway{name: "wild"}
	if err := n.RegisterGateway("lights", exact); err != nil {
		t.Fatalf("registering exact gateway: %v", err)
	}
	if err := n.RegisterGateway(WildcardDomain, wild); err != nil {
		t.Fatalf("registering wildcard gateway: %v", err)
	}

	auth := n.Resolve("lights:hall")
	if auth.Local {
		t.Fatal("gatewayed domain must not be local")
	}
	if auth.Gateway != Gateway(exact) {
		t.Error("exact-domain gateway must win over wildcard")
	}

	other := n.Resolve("climate:hall")
	if other.Local {
		t.Fatal("wildcard-claimed domain must not be local")
	}
	if other.Gateway != Gateway(wild) {
		t.Error("wildcard gateway must claim unmatched domains")
	}
}

func TestResolveInvalid(t *testing.T) {
	n := New(Options{})

	for _, raw := range []string{"", "   ", "domain:"} {
		auth := n.Resolve(raw)
		if auth.Valid {
			t.Errorf("Resolve(%q) should be invalid", raw)
		}
		if auth.Err == "" {
			t.Errorf("Resolve(%q) should carry an error message", raw)
		}
	}
}

func TestGatewayDuplicateDomain(t *testing.T) {
	n := New(Options{})
	if err := n.RegisterGateway("Lights", stubGateway{name: "a"}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := n.RegisterGateway("lights", stubGateway{name: "b"}); err == nil {
		t.Error("re-registering a domain must fail")
	}
}
