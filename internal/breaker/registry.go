package breaker

import "sync"

// Registry holds one breaker per dependency name for the process lifetime.
// The read path (an existing breaker) takes only the read lock.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for a dependency, creating it with cfg on
// first use. Idempotent per name: later calls return the existing breaker
// regardless of cfg.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for a dependency, or nil if none exists.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Reset resets the named breaker. Returns false if no such breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot returns current metrics for every registered breaker.
func (r *Registry) Snapshot() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]Metrics, len(r.breakers))
	for name, b := range r.breakers {
		snap[name] = b.Snapshot()
	}
	return snap
}
