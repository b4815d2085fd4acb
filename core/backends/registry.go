package backends

import (
	"fmt"
	"sort"
	"sync"

	"hpc-orchestrator/core/models"
)

// Registry maps backend types to their implementation
type Registry struct {
	mu       sync.RWMutex
	backends map[models.BackendType]Backend
}

// NewRegistry creates a registry holding the given backends
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[models.BackendType]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// For returns the backend serving a resource handle
func (r *Registry) For(res models.ResourceHandle) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[res.Backend]
	if !ok {
		return nil, &BackendError{Op: "Lookup", Backend: res.Backend, Cluster: res.Cluster,
			Err: fmt.Errorf("%w: no %q backend configured", ErrUnsupported, res.Backend)}
	}
	return b, nil
}

// Names lists configured backend types, sorted
func (r *Registry) Names() []models.BackendType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BackendType, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
