package jit

import (
	"go.uber.org/zap"

	"github.com/wippyai/jitstack/internal/handle"
	"github.com/wippyai/jitstack/internal/orc"
)

// Resolver maps a mangled symbol name to an address. It returns 0 when it
// does not know the symbol, letting the stack fall back to its builtins and
// then to the symbols of its own units.
//
// Resolve runs synchronously on the goroutine that triggered code
// generation: inside AddUnit for eager units, inside Call for the first call
// into a lazy unit. It must only return addresses obtained from the same
// stack, and must not add, remove or close units of that stack.
type Resolver interface {
	Resolve(mangled string) uint64
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(mangled string) uint64

func (f ResolverFunc) Resolve(mangled string) uint64 { return f(mangled) }

// stacks lets the engine callback find its stack from an opaque key without
// holding a reference the engine could keep alive.
var stacks = handle.NewRegistry[*Stack]()

var _ orc.SymbolResolverFn = resolveSymbol

func resolveSymbol(mangled string, ctx uintptr) uint64 {
	s, ok := stacks.Lookup(ctx)
	if !ok {
		return 0
	}
	return s.resolve(mangled)
}

func (s *Stack) resolve(mangled string) uint64 {
	if s.resolver != nil {
		if addr := s.resolver.Resolve(mangled); addr != 0 {
			return addr
		}
	}
	if addr, ok := s.builtins[mangled]; ok {
		return addr
	}
	var addr uint64
	if s.engine.GetSymbolAddress(&addr, mangled) != orc.Success {
		s.logger.Debug("lookup during resolution failed", s.field(), zap.String("message", s.engine.GetErrorMsg()))
		return 0
	}
	return addr
}
