// Package orc is the code-generation engine behind a JIT stack. Its surface is
// deliberately low level: opaque module keys, integer status codes and a
// single last-error slot that the next failing call overwrites.
//
// An Engine is not safe for concurrent use.
package orc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/jitstack/errors"
	"github.com/wippyai/jitstack/target"
	"github.com/wippyai/jitstack/unit"
)

// ErrorCode is the status returned by engine operations.
type ErrorCode int

const (
	Success ErrorCode = iota
	Generic
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case Generic:
		return "generic"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ModuleHandle identifies a module added to an engine. Keys start at 1 and
// are never reused by the same engine.
type ModuleHandle uint64

// SymbolResolverFn returns the address of a mangled symbol, or 0 when the
// symbol is unknown. ctx is the value passed alongside the resolver when the
// module was added.
type SymbolResolverFn func(name string, ctx uintptr) uint64

// HostFunc implements a builtin. params and results are raw wasm values.
type HostFunc func(ctx context.Context, params []uint64) ([]uint64, error)

// Address layout: bit 63 marks builtins, bits 43..62 hold the issuing
// engine's tag, and unit symbols pack the module key above a 20-bit export
// slot. Slot 0 is never used and tags start at 1, so no address is 0.
const (
	builtinTag  uint64 = 1 << 63
	keyShift           = 20
	slotMask    uint64 = 1<<keyShift - 1
	maxExports         = int(slotMask) - 1
	engineShift        = 43
	engineMask  uint64 = 1<<20 - 1
	keyMask     uint64 = 1<<(engineShift-keyShift) - 1
)

var engineSeq atomic.Uint64

func nextEngineTag() uint64 {
	return (engineSeq.Add(1)-1)%engineMask + 1
}

func (e *Engine) unitAddress(key ModuleHandle, idx int) uint64 {
	return e.tag<<engineShift | uint64(key)<<keyShift | uint64(idx+1)
}

func splitAddress(addr uint64) (ModuleHandle, int) {
	return ModuleHandle(addr >> keyShift & keyMask), int(addr&slotMask) - 1
}

// owns reports whether addr was issued by e.
func (e *Engine) owns(addr uint64) bool {
	return addr>>engineShift&engineMask == e.tag
}

func (e *Engine) foreignAddress(addr uint64) error {
	return errors.New(errors.PhaseInvoke, errors.KindForeignHandle).
		Value(addr).
		Detail("address 0x%x was issued by another engine", addr).
		Build()
}

type builtin struct {
	fn   HostFunc
	name string
	sig  unit.Signature
}

// Engine compiles units with wazero and tracks their symbols.
type Engine struct {
	machine  *target.Machine
	runtime  wazero.Runtime
	symbols  *symbolTable
	modules  map[ModuleHandle]*module
	builtins map[uint64]*builtin
	logger   *zap.Logger
	lastErr  string
	nextKey  ModuleHandle
	tag      uint64
	disposed bool
}

// CreateInstance creates an engine that owns m.
func CreateInstance(ctx context.Context, m *target.Machine) *Engine {
	e := &Engine{
		machine:  m,
		runtime:  wazero.NewRuntimeWithConfig(ctx, m.Config),
		symbols:  newSymbolTable(),
		modules:  make(map[ModuleHandle]*module),
		builtins: make(map[uint64]*builtin),
		logger:   Logger(),
		nextKey:  1,
		tag:      nextEngineTag(),
	}
	e.logger.Debug("engine created",
		zap.String("target", m.Target.Name()),
		zap.String("triple", m.Triple.String()),
		zap.Uint64("tag", e.tag))
	return e
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	e.logger = l
}

// GetErrorMsg returns the message of the last failing call and clears the
// slot. It must be called before any other operation on the engine.
func (e *Engine) GetErrorMsg() string {
	msg := e.lastErr
	e.lastErr = ""
	return msg
}

func (e *Engine) fail(msg string) ErrorCode {
	e.lastErr = msg
	return Generic
}

func (e *Engine) failErr(err error) ErrorCode {
	return e.fail(err.Error())
}

// GetMangledSymbol decorates name for the engine's triple.
func (e *Engine) GetMangledSymbol(name string) string {
	return e.machine.Triple.Mangle(name)
}

// AddEagerlyCompiledIR compiles s now. External references are resolved
// through resolver before this call returns. On success *out holds the new
// module key; on failure the module is discarded.
func (e *Engine) AddEagerlyCompiledIR(ctx context.Context, out *ModuleHandle, s *unit.Shared, resolver SymbolResolverFn, resolverCtx uintptr) ErrorCode {
	m, code := e.newModule(s, resolver, resolverCtx, false)
	if code != Success {
		return code
	}
	if err := e.materialize(ctx, m); err != nil {
		m.close(ctx)
		_ = s.Dispose()
		e.logger.Debug("eager add failed", zap.String("unit", s.Name()), zap.Error(err))
		return e.failErr(err)
	}
	e.register(m)
	*out = m.key
	return Success
}

// AddLazilyCompiledIR registers s without compiling it. Its symbols get
// addresses immediately; compilation and resolution run on the first Invoke
// of any of them.
func (e *Engine) AddLazilyCompiledIR(_ context.Context, out *ModuleHandle, s *unit.Shared, resolver SymbolResolverFn, resolverCtx uintptr) ErrorCode {
	m, code := e.newModule(s, resolver, resolverCtx, true)
	if code != Success {
		return code
	}
	e.register(m)
	*out = m.key
	return Success
}

func (e *Engine) newModule(s *unit.Shared, resolver SymbolResolverFn, resolverCtx uintptr, lazy bool) (*module, ErrorCode) {
	if e.disposed {
		return nil, e.fail("engine is disposed")
	}
	if s == nil || !s.Live() {
		return nil, e.fail("shared unit is not live")
	}
	exports := s.Exports()
	if len(exports) > maxExports {
		_ = s.Dispose()
		return nil, e.fail(fmt.Sprintf("unit %q exports %d functions, limit is %d", s.Name(), len(exports), maxExports))
	}
	if uint64(e.nextKey) > keyMask {
		_ = s.Dispose()
		return nil, e.fail("module key space exhausted")
	}
	key := e.nextKey
	e.nextKey++
	return &module{
		key:         key,
		shared:      s,
		exports:     exports,
		externs:     s.Externs(),
		resolver:    resolver,
		resolverCtx: resolverCtx,
		resolved:    make(map[string]uint64),
		lazy:        lazy,
	}, Success
}

func (e *Engine) register(m *module) {
	e.modules[m.key] = m
	for i, exp := range m.exports {
		e.symbols.add(e.GetMangledSymbol(exp.Name), e.unitAddress(m.key, i), m.key)
	}
	e.logger.Debug("module added",
		zap.Uint64("key", uint64(m.key)),
		zap.String("unit", m.shared.Name()),
		zap.Bool("lazy", m.lazy),
		zap.Int("exports", len(m.exports)))
}

// RemoveModule frees a module's code and forgets its symbols.
func (e *Engine) RemoveModule(ctx context.Context, key ModuleHandle) ErrorCode {
	if e.disposed {
		return e.fail("engine is disposed")
	}
	m, ok := e.modules[key]
	if !ok {
		return e.fail(fmt.Sprintf("module %d not found", uint64(key)))
	}
	delete(e.modules, key)
	n := e.symbols.removeModule(key)
	m.close(ctx)
	if err := m.shared.Dispose(); err != nil {
		return e.failErr(err)
	}
	e.logger.Debug("module removed", zap.Uint64("key", uint64(key)), zap.Int("symbols", n))
	return Success
}

// GetSymbolAddress stores the address of a mangled symbol in *out. An absent
// symbol is not an error: the call succeeds and *out is 0.
func (e *Engine) GetSymbolAddress(out *uint64, mangled string) ErrorCode {
	if e.disposed {
		return e.fail("engine is disposed")
	}
	*out = 0
	if ent, ok := e.symbols.lookup(mangled); ok {
		*out = ent.addr
	}
	return Success
}

// Symbols visits every visible symbol, by mangled name.
func (e *Engine) Symbols(fn func(mangled string, addr uint64)) {
	e.symbols.each(fn)
}

// DefineBuiltin registers a host function and returns its address.
func (e *Engine) DefineBuiltin(mangled string, sig unit.Signature, fn HostFunc) (uint64, ErrorCode) {
	if e.disposed {
		return 0, e.fail("engine is disposed")
	}
	if fn == nil {
		return 0, e.fail(fmt.Sprintf("builtin %s has no implementation", mangled))
	}
	addr := builtinTag | e.tag<<engineShift | uint64(len(e.builtins)+1)
	e.builtins[addr] = &builtin{name: mangled, sig: sig, fn: fn}
	return addr, Success
}

// SignatureOf returns the type of the function at addr. Addresses issued by
// another engine are unknown here.
func (e *Engine) SignatureOf(addr uint64) (unit.Signature, bool) {
	if !e.owns(addr) {
		return unit.Signature{}, false
	}
	if addr&builtinTag != 0 {
		b, ok := e.builtins[addr]
		if !ok {
			return unit.Signature{}, false
		}
		return b.sig, true
	}
	key, idx := splitAddress(addr)
	m, ok := e.modules[key]
	if !ok || idx < 0 || idx >= len(m.exports) {
		return unit.Signature{}, false
	}
	return m.exports[idx].Signature, true
}

// Invoke runs the function at addr. A lazily added module is compiled first;
// if that fails the module stays pending and a later Invoke retries.
func (e *Engine) Invoke(ctx context.Context, addr uint64, params []uint64, results *[]uint64) ErrorCode {
	if e.disposed {
		return e.fail("engine is disposed")
	}
	res, err := e.call(ctx, addr, params)
	if err != nil {
		return e.failErr(err)
	}
	*results = res
	return Success
}

func (e *Engine) call(ctx context.Context, addr uint64, params []uint64) ([]uint64, error) {
	if !e.owns(addr) {
		return nil, e.foreignAddress(addr)
	}
	sig, ok := e.SignatureOf(addr)
	if !ok {
		return nil, fmt.Errorf("no code at address 0x%x", addr)
	}
	if len(params) != len(sig.Params) {
		return nil, errors.New(errors.PhaseInvoke, errors.KindInvalidInput).
			Value(addr).
			Detail("want %d arguments for %s, got %d", len(sig.Params), sig, len(params)).
			Build()
	}

	if addr&builtinTag != 0 {
		b := e.builtins[addr]
		res, err := b.fn(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.name, err)
		}
		if len(res) != len(sig.Results) {
			return nil, fmt.Errorf("%s returned %d values, want %d", b.name, len(res), len(sig.Results))
		}
		return res, nil
	}

	key, idx := splitAddress(addr)
	m := e.modules[key]
	if !m.materialized {
		if err := e.materialize(ctx, m); err != nil {
			return nil, err
		}
	}
	name := m.exports[idx].Name
	fn := m.inst.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("export %s missing from compiled unit %q", name, m.shared.Name())
	}
	return fn.Call(ctx, params...)
}

// Modules returns the number of live modules.
func (e *Engine) Modules() int {
	return len(e.modules)
}

// DisposeInstance frees every module and the engine itself.
func (e *Engine) DisposeInstance(ctx context.Context) ErrorCode {
	if e.disposed {
		return e.fail("engine already disposed")
	}
	e.disposed = true
	for key, m := range e.modules {
		_ = m.shared.Dispose()
		delete(e.modules, key)
	}
	var firstErr error
	if err := e.runtime.Close(ctx); err != nil {
		firstErr = err
	}
	if err := e.machine.Cache.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Debug("engine disposed")
	if firstErr != nil {
		return e.failErr(firstErr)
	}
	return Success
}
