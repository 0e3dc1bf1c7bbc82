package orc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/jitstack/errors"
	"github.com/wippyai/jitstack/unit"
)

// Per-module wazero namespaces. Each unit gets its own import module so two
// units may declare the same extern name and bind it differently.
const (
	importModulePrefix = "__orc_imports."
	unitModulePrefix   = "__orc_unit."
)

type module struct {
	shared      *unit.Shared
	resolver    SymbolResolverFn
	resolved    map[string]uint64
	compiled    wazero.CompiledModule
	host        api.Module
	inst        api.Module
	exports     []unit.Symbol
	externs     []unit.Symbol
	resolverCtx uintptr
	key         ModuleHandle
	lazy        bool
	// materialized is set once the module's code is compiled and linked.
	materialized bool
}

// materialize resolves externs, links them through a per-module host module
// and compiles the unit. Resolved addresses are cached on the module, so a
// retry after failure only asks for the symbols still missing.
func (e *Engine) materialize(ctx context.Context, m *module) error {
	if err := e.resolveExterns(m); err != nil {
		return err
	}

	suffix := strconv.FormatUint(uint64(m.key), 10)
	importName := importModulePrefix + suffix

	if len(m.externs) > 0 {
		hb := e.runtime.NewHostModuleBuilder(importName)
		seen := make(map[string]bool, len(m.externs))
		for _, ext := range m.externs {
			if seen[ext.Name] {
				continue
			}
			seen[ext.Name] = true
			hb.NewFunctionBuilder().
				WithGoModuleFunction(e.trampoline(m.resolved[ext.Name], ext.Signature), ext.Signature.Params, ext.Signature.Results).
				Export(ext.Name)
		}
		host, err := hb.Instantiate(ctx)
		if err != nil {
			return errors.Wrap(errors.PhaseAdd, errors.KindEngineFailure, err, "link externs")
		}
		m.host = host
	}

	bin, err := m.shared.Encode(importName)
	if err != nil {
		m.close(ctx)
		return err
	}
	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		m.close(ctx)
		return errors.Wrap(errors.PhaseAdd, errors.KindEngineFailure, err, fmt.Sprintf("compile unit %q", m.shared.Name()))
	}
	m.compiled = compiled

	cfg := wazero.NewModuleConfig().
		WithName(unitModulePrefix + suffix).
		WithStartFunctions()
	inst, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		m.close(ctx)
		return errors.Wrap(errors.PhaseAdd, errors.KindEngineFailure, err, fmt.Sprintf("instantiate unit %q", m.shared.Name()))
	}
	m.inst = inst
	m.materialized = true

	e.logger.Debug("module materialized",
		zap.Uint64("key", uint64(m.key)),
		zap.String("unit", m.shared.Name()),
		zap.Int("externs", len(m.resolved)))
	return nil
}

// resolveExterns asks the resolver once per distinct extern name and checks
// that each address carries the expected signature. Imports sharing a name
// must share a signature.
func (e *Engine) resolveExterns(m *module) error {
	var missing []string
	asked := make(map[string]unit.Signature, len(m.externs))
	for _, ext := range m.externs {
		if prev, ok := asked[ext.Name]; ok {
			if !prev.Equal(ext.Signature) {
				return errors.SignatureMismatch(errors.PhaseResolve, e.GetMangledSymbol(ext.Name), prev.String(), ext.Signature.String())
			}
			continue
		}
		asked[ext.Name] = ext.Signature
		if _, ok := m.resolved[ext.Name]; ok {
			continue
		}
		mangled := e.GetMangledSymbol(ext.Name)
		var addr uint64
		if m.resolver != nil {
			addr = m.resolver(mangled, m.resolverCtx)
		}
		e.logger.Debug("symbol resolved",
			zap.Uint64("key", uint64(m.key)),
			zap.String("symbol", mangled),
			zap.Uint64("addr", addr))
		if addr == 0 {
			missing = append(missing, mangled)
			continue
		}
		if !e.owns(addr) {
			return errors.New(errors.PhaseResolve, errors.KindForeignHandle).
				Symbol(mangled).
				Value(addr).
				Detail("resolved to address 0x%x issued by another engine", addr).
				Build()
		}
		sig, ok := e.SignatureOf(addr)
		if !ok {
			return errors.New(errors.PhaseResolve, errors.KindNotFound).
				Symbol(mangled).
				Value(addr).
				Detail("resolved to unknown address 0x%x", addr).
				Build()
		}
		if !sig.Equal(ext.Signature) {
			return errors.SignatureMismatch(errors.PhaseResolve, mangled, ext.Signature.String(), sig.String())
		}
		m.resolved[ext.Name] = addr
	}
	if len(missing) > 0 {
		return &errors.UnresolvedSymbolsError{Symbols: missing}
	}
	return nil
}

// trampoline forwards a wasm import to whatever code lives at addr. Failures
// are raised as panics, which wazero reports as an error of the outer call.
func (e *Engine) trampoline(addr uint64, sig unit.Signature) api.GoModuleFunc {
	np, nr := len(sig.Params), len(sig.Results)
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		params := append([]uint64(nil), stack[:np]...)
		res, err := e.call(ctx, addr, params)
		if err != nil {
			panic(err)
		}
		copy(stack[:nr], res)
	}
}

func (m *module) close(ctx context.Context) {
	if m.inst != nil {
		_ = m.inst.Close(ctx)
		m.inst = nil
	}
	if m.compiled != nil {
		_ = m.compiled.Close(ctx)
		m.compiled = nil
	}
	if m.host != nil {
		_ = m.host.Close(ctx)
		m.host = nil
	}
	m.materialized = false
}
