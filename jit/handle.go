package jit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wippyai/jitstack/internal/handle"
	"github.com/wippyai/jitstack/internal/orc"
)

// Handle identifies one unit added to a Stack. It is a capability, not a
// resource: it is valid only on the stack that issued it and only until
// that stack is closed.
type Handle struct {
	stack uuid.UUID
	key   orc.ModuleHandle
}

// Key returns the engine's key for the unit.
func (h Handle) Key() uint64 { return uint64(h.key) }

// Stack returns the identity of the issuing stack.
func (h Handle) Stack() uuid.UUID { return h.stack }

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.key == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("unit#%d@%s", uint64(h.key), h.stack)
}

// MangledSymbol is an owned buffer holding a decorated symbol name. Its
// accessors panic once it is disposed.
type MangledSymbol struct {
	buf *handle.Handle[*[]byte]
}

func newMangledSymbol(name string) *MangledSymbol {
	b := []byte(name)
	return &MangledSymbol{buf: handle.New("mangled symbol", &b, nil)}
}

// String returns the decorated name.
func (m *MangledSymbol) String() string {
	return string(*m.buf.Get())
}

// Bytes returns a view of the buffer. It must not be used after Dispose.
func (m *MangledSymbol) Bytes() []byte {
	return *m.buf.Get()
}

// Equal reports whether the decorated name is s.
func (m *MangledSymbol) Equal(s string) bool {
	return m.String() == s
}

// Dispose releases the buffer. A second call returns a KindDisposed error.
func (m *MangledSymbol) Dispose() error {
	return m.buf.Dispose()
}
