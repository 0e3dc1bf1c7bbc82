package handle

import "sync"

// Registry maps opaque integer keys to values so a value can be identified
// from inside an engine callback without handing the engine a reference it
// could keep alive. Keys start at 1; 0 is reserved for "null".
//
// Registry is safe for concurrent use.
type Registry[T any] struct {
	values map[uintptr]T
	next   uintptr
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		values: make(map[uintptr]T),
		next:   1,
	}
}

// Register stores v and returns its key.
func (r *Registry[T]) Register(v T) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.values[id] = v
	return id
}

// Lookup returns the value for key, if still registered.
func (r *Registry[T]) Lookup(key uintptr) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Unregister forgets key. Later lookups miss.
func (r *Registry[T]) Unregister(key uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, key)
}

// Len returns the number of registered values.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}
