package reghook

import (
	"sync"
)

// Registry maps the ids baked into context blocks to their hooks.
// The most recently registered hook is Current until it is released.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[uint32]*RegisterHook
	nextID  uint32
	current uint32
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is used by hooks created without their own registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[uint32]*RegisterHook)}
}

// Register adds h under a fresh nonzero id and makes it Current
func (r *Registry) Register(h *RegisterHook) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	id := r.nextID
	r.hooks[id] = h
	r.current = id
	return id
}

// Release forgets id; Current is cleared only if id is still current
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.hooks, id)
	if r.current == id {
		r.current = 0
	}
}

func (r *Registry) Lookup(id uint32) (*RegisterHook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[id]
	return h, ok
}

// Current returns the last registered hook still alive, or nil
func (r *Registry) Current() *RegisterHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[r.current]
}

// SetCurrent makes a registered hook current again
func (r *Registry) SetCurrent(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hooks[id]; !ok {
		return false
	}
	r.current = id
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}
