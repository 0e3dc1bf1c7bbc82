// Package handle provides move-only wrappers for engine-owned resources and a
// registry for passing non-owning references through opaque callback contexts.
package handle

import (
	"fmt"
	"sync/atomic"

	"github.com/wippyai/jitstack/errors"
)

type state int32

const (
	stateLive state = iota
	stateMoved
	stateDisposed
)

func (s state) String() string {
	switch s {
	case stateLive:
		return "live"
	case stateMoved:
		return "moved"
	case stateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handle owns a single engine resource. The resource is valid until it is
// either moved out with Take or released with Dispose, whichever happens first.
type Handle[T comparable] struct {
	value   T
	dispose func(T) error
	what    string
	state   atomic.Int32
}

// New wraps v. It panics when v is the zero value: a handle never holds null.
func New[T comparable](what string, v T, dispose func(T) error) *Handle[T] {
	var zero T
	if v == zero {
		panic(fmt.Sprintf("handle: nil %s", what))
	}
	return &Handle[T]{value: v, dispose: dispose, what: what}
}

// Get borrows the resource. It panics once the handle was moved or disposed.
func (h *Handle[T]) Get() T {
	if s := state(h.state.Load()); s != stateLive {
		panic(fmt.Sprintf("handle: use of %s %s", s, h.what))
	}
	return h.value
}

// Take moves the resource out. The handle is poisoned afterwards.
func (h *Handle[T]) Take() T {
	if !h.state.CompareAndSwap(int32(stateLive), int32(stateMoved)) {
		panic(fmt.Sprintf("handle: take of %s %s", state(h.state.Load()), h.what))
	}
	v := h.value
	var zero T
	h.value = zero
	return v
}

// Dispose releases the resource. Disposing a moved handle is a no-op since
// the new owner is responsible for it; disposing twice is an error.
func (h *Handle[T]) Dispose() error {
	if h.state.CompareAndSwap(int32(stateLive), int32(stateDisposed)) {
		v := h.value
		var zero T
		h.value = zero
		if h.dispose == nil {
			return nil
		}
		return h.dispose(v)
	}
	if state(h.state.Load()) == stateMoved {
		return nil
	}
	return errors.Disposed(h.what)
}

// Live reports whether the handle still owns its resource.
func (h *Handle[T]) Live() bool {
	return state(h.state.Load()) == stateLive
}
