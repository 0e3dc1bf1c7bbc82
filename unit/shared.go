package unit

import (
	"fmt"
	"strings"

	"github.com/wippyai/jitstack/errors"
	"github.com/wippyai/jitstack/internal/handle"
)

// Shared is the transferable form of a unit, produced by MakeShareable. The
// engine that receives it owns it and disposes it when the unit is removed.
type Shared struct {
	mod  *handle.Handle[*module]
	name string
}

// Name returns the originating unit's name.
func (s *Shared) Name() string {
	return s.name
}

// Externs lists the external references the unit needs resolved.
func (s *Shared) Externs() []Symbol {
	return s.mod.Get().externs()
}

// Exports lists the functions the unit defines.
func (s *Shared) Exports() []Symbol {
	return s.mod.Get().exportSymbols()
}

// Encode emits the unit with every function import redirected to
// importModule. Units importing tables, memories, globals or tags cannot be
// linked by symbol name and are rejected.
func (s *Shared) Encode(importModule string) ([]byte, error) {
	m := s.mod.Get()
	if bad := m.unsupportedImports(); len(bad) > 0 {
		return nil, errors.New(errors.PhaseAdd, errors.KindUnsupported).
			Detail("unit %q imports non-function entities: %s", s.name, strings.Join(bad, ", ")).
			Build()
	}
	return m.encode(importModule), nil
}

// Live reports whether the shared unit is still owned.
func (s *Shared) Live() bool {
	return s.mod.Live()
}

// Dispose releases the unit's representation.
func (s *Shared) Dispose() error {
	return s.mod.Dispose()
}

func (s *Shared) String() string {
	return fmt.Sprintf("shared unit %q", s.name)
}
