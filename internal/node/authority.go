package node

import (
	"fmt"
	"strings"
)

// WildcardDomain matches any domain not covered by an exact gateway entry.
const WildcardDomain = "*"

// Authority is the per-id routing decision computed by Resolve.
//
// Empty-domain ids (a leading colon) are always local and non-routable.
// Otherwise the domain is looked up in the gateway table, falling back to
// the wildcard entry; a hit makes the id remote, a miss makes the local
// node authoritative.
type Authority struct {
	// DeviceID is the normalized "<domain>:<name>" form.
	DeviceID string
	// Domain is the normalized domain part, possibly empty.
	Domain string
	// Local is true when this node is authoritative for the id.
	Local bool
	// Routable is false only for empty-domain ids.
	Routable bool
	// Gateway is the adapter for the authoritative peer, nil when Local.
	Gateway Gateway
	// Valid is false when the raw id could not be parsed; Err holds the
	// reason.
	Valid bool
	Err   string
}

// Resolve normalizes a raw device id and decides where it is owned.
// Resolution is idempotent: resolving the DeviceID of a returned record
// yields an identical record. Malformed input produces a record with
// Valid=false rather than an error.
func (n *Node) Resolve(raw string) Authority {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return Authority{Err: "empty device id"}
	}

	var domain, name string
	if i := strings.Index(id, ":"); i >= 0 {
		domain, name = id[:i], id[i+1:]
	} else {
		domain, name = n.defaultDomain, id
	}
	if name == "" {
		return Authority{Err: fmt.Sprintf("device id '%s' has no name part", raw)}
	}

	auth := Authority{
		DeviceID: domain + ":" + name,
		Domain:   domain,
		Valid:    true,
	}

	// Empty domain denotes the local, non-routed namespace.
	if domain == "" {
		auth.Local = true
		return auth
	}
	auth.Routable = true

	if gw := n.gatewayFor(domain); gw != nil {
		auth.Gateway = gw
		return auth
	}

	// No gateway claims the domain, so this node does.
	auth.Local = true
	return auth
}
