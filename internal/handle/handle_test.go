package handle

import (
	"errors"
	"sync"
	"testing"

	jerrors "github.com/wippyai/jitstack/errors"
)

type resource struct {
	disposed int
}

func newTracked() (*resource, *Handle[*resource]) {
	r := &resource{}
	return r, New("resource", r, func(r *resource) error {
		r.disposed++
		return nil
	})
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestNew_RejectsNil(t *testing.T) {
	expectPanic(t, "nil pointer", func() {
		New[*resource]("resource", nil, nil)
	})
}

func TestHandle_Get(t *testing.T) {
	r, h := newTracked()
	if h.Get() != r {
		t.Error("Get returned a different value")
	}
	if !h.Live() {
		t.Error("fresh handle should be live")
	}
}

func TestHandle_DisposeOnce(t *testing.T) {
	r, h := newTracked()

	if err := h.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if r.disposed != 1 {
		t.Errorf("disposer ran %d times, want 1", r.disposed)
	}

	err := h.Dispose()
	if !errors.Is(err, &jerrors.Error{Phase: jerrors.PhaseDispose, Kind: jerrors.KindDisposed}) {
		t.Errorf("second Dispose = %v, want disposed error", err)
	}
	if r.disposed != 1 {
		t.Errorf("disposer ran %d times after double dispose, want 1", r.disposed)
	}

	expectPanic(t, "Get after Dispose", func() { h.Get() })
	expectPanic(t, "Take after Dispose", func() { h.Take() })
}

func TestHandle_TakeTransfersOwnership(t *testing.T) {
	r, h := newTracked()

	got := h.Take()
	if got != r {
		t.Fatal("Take returned a different value")
	}
	if h.Live() {
		t.Error("moved handle should not be live")
	}

	// The new owner disposes; the moved-from handle must not.
	if err := h.Dispose(); err != nil {
		t.Errorf("Dispose after Take: %v", err)
	}
	if r.disposed != 0 {
		t.Errorf("disposer ran on moved handle")
	}

	expectPanic(t, "second Take", func() { h.Take() })
	expectPanic(t, "Get after Take", func() { h.Get() })
}

func TestHandle_ConcurrentDispose(t *testing.T) {
	r, h := newTracked()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Dispose()
		}()
	}
	wg.Wait()

	if r.disposed != 1 {
		t.Errorf("disposer ran %d times, want 1", r.disposed)
	}
}

func TestHandle_DisposerError(t *testing.T) {
	want := errors.New("close failed")
	h := New("resource", &resource{}, func(*resource) error { return want })
	if err := h.Dispose(); !errors.Is(err, want) {
		t.Errorf("Dispose = %v, want %v", err, want)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry[string]()

	a := reg.Register("a")
	b := reg.Register("b")
	if a == 0 || b == 0 {
		t.Fatal("keys must be non-zero")
	}
	if a == b {
		t.Fatal("keys must be distinct")
	}

	if v, ok := reg.Lookup(a); !ok || v != "a" {
		t.Errorf("Lookup(a) = %q, %v", v, ok)
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}

	reg.Unregister(a)
	if _, ok := reg.Lookup(a); ok {
		t.Error("Lookup after Unregister should miss")
	}
	if _, ok := reg.Lookup(0); ok {
		t.Error("key 0 is never registered")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}
