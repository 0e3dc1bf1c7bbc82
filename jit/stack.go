package jit

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/jitstack/errors"
	"github.com/wippyai/jitstack/internal/orc"
	"github.com/wippyai/jitstack/target"
	"github.com/wippyai/jitstack/unit"
)

// Mode selects when a unit's code is generated.
type Mode int

const (
	// Eager compiles the whole unit inside AddUnit.
	Eager Mode = iota
	// Lazy defers compilation to the first call into the unit.
	Lazy
)

func (m Mode) String() string {
	switch m {
	case Eager:
		return "eager"
	case Lazy:
		return "lazy"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// HostFunc implements a builtin. params and results are raw wasm values.
type HostFunc func(ctx context.Context, params []uint64) ([]uint64, error)

// Symbol is a visible definition, by mangled name.
type Symbol struct {
	Name    string
	Address uint64
}

// Stack is a JIT compilation stack: it owns a code-generation engine, the
// units added to it, and the resolution callback the engine calls back into.
//
// A Stack is not safe for concurrent use. Wrap it in a Guard to share it.
type Stack struct {
	id       uuid.UUID
	engine   *orc.Engine
	target   *target.Target
	resolver Resolver
	builtins map[string]uint64
	units    map[orc.ModuleHandle]string
	logger   *zap.Logger
	triple   target.Triple
	ctxKey   uintptr
	closed   bool
}

// New creates a stack that takes ownership of tm. tm must not be used or
// disposed afterwards.
//
// New panics if tm's target cannot generate code for this host: selecting a
// backend without JIT support is a configuration mistake, not a runtime
// condition.
func New(ctx context.Context, tm *target.TargetMachine, opts ...Option) *Stack {
	if !tm.Target().HasJIT() {
		panic(fmt.Sprintf("jit: target %s has no JIT support on this host", tm.Target().Name()))
	}
	return newStack(ctx, tm, opts...)
}

func newStack(ctx context.Context, tm *target.TargetMachine, opts ...Option) *Stack {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	triple := tm.Triple()
	tg := tm.Target()
	m := tm.Release()

	s := &Stack{
		id:       uuid.New(),
		engine:   orc.CreateInstance(ctx, m),
		target:   tg,
		triple:   triple,
		resolver: o.resolver,
		builtins: make(map[string]uint64),
		units:    make(map[orc.ModuleHandle]string),
		logger:   o.logger,
	}
	s.engine.SetLogger(o.logger)
	s.ctxKey = stacks.Register(s)

	s.logger.Debug("jit stack created", s.field(),
		zap.String("target", tg.Name()),
		zap.String("triple", triple.String()))
	return s
}

func (s *Stack) field() zap.Field {
	return zap.Stringer("stack", s.id)
}

// engineFailure converts the engine's last-error slot into an error. It must
// be called as the statement right after the failing engine call.
func (s *Stack) engineFailure(op string) error {
	return &errors.EngineFailure{Op: op, Message: s.engine.GetErrorMsg()}
}

// ID returns the stack's process-wide unique identity.
func (s *Stack) ID() uuid.UUID { return s.id }

// Triple returns the target triple code is generated for.
func (s *Stack) Triple() string { return s.triple.String() }

// Target returns the backend the stack was created for.
func (s *Stack) Target() *target.Target { return s.target }

// Units returns the number of live units.
func (s *Stack) Units() int { return len(s.units) }

// Handles returns the handles of all live units, oldest first.
func (s *Stack) Handles() []Handle {
	out := make([]Handle, 0, len(s.units))
	for key := range s.units {
		out = append(out, Handle{stack: s.id, key: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// UnitName returns the name of the unit behind h.
func (s *Stack) UnitName(h Handle) (string, bool) {
	if h.stack != s.id {
		return "", false
	}
	name, ok := s.units[h.key]
	return name, ok
}

// AddUnit submits u for code generation and returns its handle.
//
// The unit is consumed once it reaches the engine: from then on u is
// unusable whether or not code generation succeeds. An invalid mode or a unit
// with a build error is rejected before that point and leaves u live. Clone u
// first to add the same code twice.
//
// In Eager mode every external reference is resolved before AddUnit returns,
// and an unresolved one fails the call. In Lazy mode nothing is resolved
// until the first Call into the unit. On failure the unit is not tracked.
func (s *Stack) AddUnit(ctx context.Context, u *unit.Unit, mode Mode) (Handle, error) {
	if s.closed {
		return Handle{}, errors.Closed(errors.PhaseAdd)
	}
	if mode != Eager && mode != Lazy {
		return Handle{}, errors.InvalidInput(errors.PhaseAdd, fmt.Sprintf("invalid mode %d", int(mode)))
	}
	name := u.Name()
	sh, err := u.MakeShareable()
	if err != nil {
		return Handle{}, err
	}

	var key orc.ModuleHandle
	var code orc.ErrorCode
	if mode == Eager {
		code = s.engine.AddEagerlyCompiledIR(ctx, &key, sh, resolveSymbol, s.ctxKey)
	} else {
		code = s.engine.AddLazilyCompiledIR(ctx, &key, sh, resolveSymbol, s.ctxKey)
	}
	if code != orc.Success {
		return Handle{}, s.engineFailure("add_unit")
	}

	s.units[key] = name
	h := Handle{stack: s.id, key: key}
	s.logger.Debug("unit added", s.field(),
		zap.String("unit", name),
		zap.Uint64("key", uint64(key)),
		zap.Stringer("mode", mode))
	return h, nil
}

// RemoveUnit frees the unit behind h. Removing a unit twice fails.
func (s *Stack) RemoveUnit(ctx context.Context, h Handle) error {
	if s.closed {
		return errors.Closed(errors.PhaseRemove)
	}
	if h.stack != s.id {
		return errors.ForeignHandle(errors.PhaseRemove, h.stack.String(), s.id.String())
	}
	if s.engine.RemoveModule(ctx, h.key) != orc.Success {
		return s.engineFailure("remove_unit")
	}
	name := s.units[h.key]
	delete(s.units, h.key)
	s.logger.Debug("unit removed", s.field(),
		zap.String("unit", name),
		zap.Uint64("key", uint64(h.key)))
	return nil
}

// GetSymbolAddress returns the address of name across the stack's live
// units. When several units define name, the most recently added wins. A
// missing symbol is a KindNotFound error; the address is never 0 on success.
func (s *Stack) GetSymbolAddress(name string) (uint64, error) {
	if s.closed {
		return 0, errors.Closed(errors.PhaseLookup)
	}
	var addr uint64
	if s.engine.GetSymbolAddress(&addr, s.triple.Mangle(name)) != orc.Success {
		return 0, s.engineFailure("get_symbol_address")
	}
	if addr == 0 {
		return 0, errors.NotFound(errors.PhaseLookup, "symbol", name)
	}
	return addr, nil
}

// MangleSymbol decorates name for the stack's triple. Nothing is registered
// or resolved.
func (s *Stack) MangleSymbol(name string) *MangledSymbol {
	return newMangledSymbol(s.triple.Mangle(name))
}

// Symbols lists every visible definition by mangled name.
func (s *Stack) Symbols() []Symbol {
	if s.closed {
		return nil
	}
	var out []Symbol
	s.engine.Symbols(func(name string, addr uint64) {
		out = append(out, Symbol{Name: name, Address: addr})
	})
	return out
}

// DefineBuiltin registers a host function that units can reference as an
// extern named name. Builtins are consulted after the Resolver option and
// before the stack's own symbols.
func (s *Stack) DefineBuiltin(name string, sig unit.Signature, fn HostFunc) (uint64, error) {
	if s.closed {
		return 0, errors.Closed(errors.PhaseResolve)
	}
	mangled := s.triple.Mangle(name)
	if _, dup := s.builtins[mangled]; dup {
		return 0, errors.New(errors.PhaseResolve, errors.KindInvalidInput).
			Symbol(name).
			Detail("builtin defined twice").
			Build()
	}
	addr, code := s.engine.DefineBuiltin(mangled, sig, orc.HostFunc(fn))
	if code != orc.Success {
		return 0, s.engineFailure("define_builtin")
	}
	s.builtins[mangled] = addr
	return addr, nil
}

// Call runs the function at addr. The first call into a lazy unit compiles
// it and may invoke the resolver.
func (s *Stack) Call(ctx context.Context, addr uint64, params ...uint64) ([]uint64, error) {
	if s.closed {
		return nil, errors.Closed(errors.PhaseInvoke)
	}
	var res []uint64
	if s.engine.Invoke(ctx, addr, params, &res) != orc.Success {
		return nil, s.engineFailure("invoke")
	}
	return res, nil
}

// CallSymbol looks name up and calls it.
func (s *Stack) CallSymbol(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	addr, err := s.GetSymbolAddress(name)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, addr, params...)
}

// Close disposes the engine and every unit. All handles issued by the stack
// become invalid; later operations fail with KindClosed.
func (s *Stack) Close(ctx context.Context) error {
	if s.closed {
		return errors.Closed(errors.PhaseDispose)
	}
	s.closed = true
	stacks.Unregister(s.ctxKey)
	n := len(s.units)
	s.units = nil
	s.builtins = nil
	if s.engine.DisposeInstance(ctx) != orc.Success {
		return s.engineFailure("dispose")
	}
	s.logger.Debug("jit stack closed", s.field(), zap.Int("units", n))
	return nil
}
