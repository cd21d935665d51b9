// Package proxy is the reverse proxy (§4.8): a single process-wide
// listener pair (HTTP + HTTPS) that routes by Host-header subdomain to
// the backend port registered for that name. Grounded on
// original_source/src/proxy/{manager,handler}.rs, translated from hyper's
// make_service_fn/service_fn into net/http/httputil.ReverseProxy with a
// Director that looks up the target per request.
package proxy

import "sync"

// Manager is the subdomain -> backend-port routing table (§4.8,
// "ProxyManager.routes"). Route registration happens when a backend
// finishes its startup delay; removal happens on stop.
type Manager struct {
	mu     sync.RWMutex
	routes map[string]int
}

func NewManager() *Manager {
	return &Manager{routes: map[string]int{}}
}

// AddRoute registers or replaces the target port for subdomain.
func (m *Manager) AddRoute(subdomain string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[subdomain] = port
}

// RemoveRoute deregisters subdomain (on stop).
func (m *Manager) RemoveRoute(subdomain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, subdomain)
}

// TargetPort returns the backend port for subdomain, if routed.
func (m *Manager) TargetPort(subdomain string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.routes[subdomain]
	return p, ok
}

// Routes returns a snapshot of subdomain names, sorted is not guaranteed
// (callers that need stable output should sort).
func (m *Manager) Routes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for name := range m.routes {
		out = append(out, name)
	}
	return out
}
