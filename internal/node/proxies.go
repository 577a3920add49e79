package node

import "sync"

// proxyRegistry maps a normalized device id to the ordered list of proxies
// currently connected to that device on this node. Upstream fan-out
// delivers in insertion order, so order is preserved on attach and detach.
type proxyRegistry struct {
	mu   sync.Mutex
	byID map[string][]Proxy
}

func newProxyRegistry() *proxyRegistry {
	return &proxyRegistry{byID: make(map[string][]Proxy)}
}

// attach appends a proxy to the list for id, creating it on first insert.
func (r *proxyRegistry) attach(id string, p Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = append(r.byID[id], p)
}

// detach removes the first matching entry; an empty list is dropped.
func (r *proxyRegistry) detach(id string, p Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proxies := r.byID[id]
	for i, existing := range proxies {
		if existing == p {
			proxies = append(proxies[:i], proxies[i+1:]...)
			break
		}
	}
	if len(proxies) == 0 {
		delete(r.byID, id)
	} else {
		r.byID[id] = proxies
	}
}

// drop removes the whole entry for id, regardless of how many proxies it
// holds. Used when a gateway-registered device is deregistered.
func (r *proxyRegistry) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// list returns a snapshot of the current proxies for id.
func (r *proxyRegistry) list(id string) []Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	proxies := r.byID[id]
	if len(proxies) == 0 {
		return nil
	}
	out := make([]Proxy, len(proxies))
	copy(out, proxies)
	return out
}

// count returns the number of proxies attached for id.
func (r *proxyRegistry) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID[id])
}
