package supervisor

import (
	"sync"
)

// Registry holds the supervisors for every configured driver, keyed by
// driver id. It is the authority the tag store consults when validating a
// tag's driver reference.
type Registry struct {
	mu     sync.RWMutex
	supers map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{supers: make(map[string]*Supervisor)}
}

// Add registers a supervisor. A supervisor with the same id is replaced;
// the caller is responsible for shutting the old one down.
func (r *Registry) Add(s *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supers[s.ID()] = s
}

// Get returns the supervisor for a driver id.
func (r *Registry) Get(id string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.supers[id]
	return s, ok
}

// Has reports whether a driver id is known. Wired into the tag store's
// registration check.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.supers[id]
	return ok
}

// IDs returns the registered driver ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.supers))
	for id := range r.supers {
		ids = append(ids, id)
	}
	return ids
}

// States returns a snapshot of every driver's connection state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.supers))
	for id, s := range r.supers {
		out[id] = s.State()
	}
	return out
}

// StartAll launches every supervisor's connect loop.
func (r *Registry) StartAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.supers {
		s.Start()
	}
}

// ShutdownAll closes every supervisor. Blocks until all are down.
func (r *Registry) ShutdownAll() {
	r.mu.RLock()
	supers := make([]*Supervisor, 0, len(r.supers))
	for _, s := range r.supers {
		supers = append(supers, s)
	}
	r.mu.RUnlock()

	for _, s := range supers {
		s.Shutdown()
	}
}
