package jit

import "sync"

// Guard serializes access to a Stack shared between goroutines.
type Guard struct {
	s  *Stack
	mu sync.Mutex
}

// NewGuard wraps s. s must not be used directly afterwards.
func NewGuard(s *Stack) *Guard {
	return &Guard{s: s}
}

// Do runs fn with exclusive access to the stack.
func (g *Guard) Do(fn func(*Stack) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.s)
}
