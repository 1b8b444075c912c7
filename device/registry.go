package device

import "sync"

// A Registry hands out 32-bit IDs for session-scoped values, the way the
// API-marshalling layer refers to address spaces. Lookup and erase are
// safe for concurrent use.
type Registry[T any] struct {
	mu     sync.Mutex
	nextID uint32
	items  map[uint32]T
}

// NewRegistry creates an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[uint32]T)}
}

// Alloc stores v and returns its new ID. IDs are never reused within a
// session.
func (r *Registry[T]) Alloc(v T) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.items[r.nextID] = v

	return r.nextID
}

// Lookup returns the value registered under id.
func (r *Registry[T]) Lookup(id uint32) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.items[id]
	return v, ok
}

// Erase removes and returns the value registered under id.
func (r *Registry[T]) Erase(id uint32) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return v, ok
}

// ForEach calls fn for every registered value.
func (r *Registry[T]) ForEach(fn func(id uint32, v T)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range r.items {
		fn(id, v)
	}
}
