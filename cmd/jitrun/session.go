package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/jitstack/jit"
	"github.com/wippyai/jitstack/target"
	"github.com/wippyai/jitstack/unit"
)

type config struct {
	triple      string
	cpu         string
	cacheDir    string
	memoryLimit uint64
	mode        jit.Mode
	logger      *zap.Logger
}

// session owns the stack and the bookkeeping the stack does not keep:
// which file produced which unit and the signatures of exported functions.
// Everything goes through the guard because the watcher reloads units from
// its own goroutine.
type session struct {
	guard *jit.Guard
	out   io.Writer
	mode  jit.Mode

	units  map[string]jit.Handle
	sigs   map[jit.Handle][]unit.Symbol
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

type funcInfo struct {
	name string
	sig  unit.Signature
	addr uint64
}

func newSession(ctx context.Context, cfg config, out io.Writer) (*session, error) {
	t, err := pickTarget(cfg.triple)
	if err != nil {
		return nil, err
	}
	if !t.HasJIT() {
		return nil, fmt.Errorf("target %s has no JIT support on this host", t.Name())
	}
	tm, err := t.CreateTargetMachine(target.MachineConfig{
		Triple:      cfg.triple,
		CPU:         cfg.cpu,
		CacheDir:    cfg.cacheDir,
		MemoryLimit: cfg.memoryLimit,
		OptLevel:    target.OptDefault,
	})
	if err != nil {
		return nil, err
	}

	stack := jit.New(ctx, tm, jit.WithLogger(cfg.logger))
	s := &session{
		guard:  jit.NewGuard(stack),
		out:    out,
		mode:   cfg.mode,
		units:  make(map[string]jit.Handle),
		sigs:   make(map[jit.Handle][]unit.Symbol),
		logger: cfg.logger,
	}
	if err := s.defineBuiltins(stack); err != nil {
		_ = stack.Close(ctx)
		return nil, err
	}
	return s, nil
}

func pickTarget(triple string) (*target.Target, error) {
	if triple == "" {
		return target.Native()
	}
	return target.FromTriple(triple)
}

func (s *session) defineBuiltins(stack *jit.Stack) error {
	i32 := []api.ValueType{api.ValueTypeI32}
	i64 := []api.ValueType{api.ValueTypeI64}

	builtins := []struct {
		name string
		sig  unit.Signature
		fn   jit.HostFunc
	}{
		{"print_i32", unit.Sig(i32), func(_ context.Context, p []uint64) ([]uint64, error) {
			fmt.Fprintln(s.out, api.DecodeI32(p[0]))
			return nil, nil
		}},
		{"print_i64", unit.Sig(i64), func(_ context.Context, p []uint64) ([]uint64, error) {
			fmt.Fprintln(s.out, int64(p[0]))
			return nil, nil
		}},
		{"abort", unit.Sig(nil), func(context.Context, []uint64) ([]uint64, error) {
			return nil, fmt.Errorf("abort called")
		}},
	}
	for _, b := range builtins {
		if _, err := stack.DefineBuiltin(b.name, b.sig, b.fn); err != nil {
			return err
		}
	}
	return nil
}

// add loads path and adds it to the stack.
func (s *session) add(ctx context.Context, path string) error {
	u, err := loadUnit(path)
	if err != nil {
		return err
	}
	return s.guard.Do(func(stack *jit.Stack) error {
		if _, ok := s.units[path]; ok {
			return fmt.Errorf("%s is already loaded", path)
		}
		return s.addLocked(ctx, stack, path, u)
	})
}

func (s *session) addLocked(ctx context.Context, stack *jit.Stack, path string, u *unit.Unit) error {
	exports := u.Exports()
	h, err := stack.AddUnit(ctx, u, s.mode)
	if err != nil {
		return err
	}
	s.units[path] = h
	s.sigs[h] = exports
	s.logger.Info("unit added",
		zap.String("path", path),
		zap.Stringer("handle", h),
		zap.Stringer("mode", s.mode),
		zap.Int("exports", len(exports)))
	return nil
}

func (s *session) remove(ctx context.Context, path string) error {
	return s.guard.Do(func(stack *jit.Stack) error {
		return s.removeLocked(ctx, stack, path)
	})
}

func (s *session) removeLocked(ctx context.Context, stack *jit.Stack, path string) error {
	h, ok := s.units[path]
	if !ok {
		return fmt.Errorf("%s is not loaded", path)
	}
	if err := stack.RemoveUnit(ctx, h); err != nil {
		return err
	}
	delete(s.units, path)
	delete(s.sigs, h)
	s.logger.Info("unit removed", zap.String("path", path), zap.Stringer("handle", h))
	return nil
}

// reload replaces the unit loaded from path with the file's current
// contents. The new unit is added before the old one is removed, so a file
// that fails to load or link leaves the previous unit in place. Lookups see
// the new definitions as soon as it is added.
func (s *session) reload(ctx context.Context, path string) error {
	u, err := loadUnit(path)
	if err != nil {
		return err
	}
	return s.guard.Do(func(stack *jit.Stack) error {
		old, had := s.units[path]
		if err := s.addLocked(ctx, stack, path, u); err != nil {
			return err
		}
		if !had {
			return nil
		}
		delete(s.sigs, old)
		if err := stack.RemoveUnit(ctx, old); err != nil {
			return err
		}
		s.logger.Info("unit replaced", zap.String("path", path), zap.Stringer("handle", old))
		return nil
	})
}

// functions lists the visible exported functions sorted by name. Handles
// are walked newest first so a shadowed export reports the signature of the
// definition that lookups resolve to.
func (s *session) functions() []funcInfo {
	var out []funcInfo
	_ = s.guard.Do(func(stack *jit.Stack) error {
		seen := make(map[string]bool)
		hs := stack.Handles()
		for i := len(hs) - 1; i >= 0; i-- {
			for _, sym := range s.sigs[hs[i]] {
				if seen[sym.Name] {
					continue
				}
				seen[sym.Name] = true
				addr, err := stack.GetSymbolAddress(sym.Name)
				if err != nil {
					continue
				}
				out = append(out, funcInfo{name: sym.Name, sig: sym.Signature, addr: addr})
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (s *session) lookup(name string) (funcInfo, error) {
	for _, f := range s.functions() {
		if f.name == name {
			return f, nil
		}
	}
	return funcInfo{}, fmt.Errorf("no exported function %q", name)
}

// call parses args against name's signature, calls it and formats the results.
func (s *session) call(ctx context.Context, name string, args []string) (string, error) {
	f, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	params, err := convertArgs(args, f.sig)
	if err != nil {
		return "", err
	}
	var res []uint64
	err = s.guard.Do(func(stack *jit.Stack) error {
		var err error
		res, err = stack.Call(ctx, f.addr, params...)
		return err
	})
	if err != nil {
		return "", err
	}
	return formatResults(res, f.sig), nil
}

func (s *session) loaded() []string {
	var out []string
	_ = s.guard.Do(func(*jit.Stack) error {
		for p := range s.units {
			out = append(out, p)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func (s *session) close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.guard.Do(func(stack *jit.Stack) error {
			return stack.Close(ctx)
		})
	})
	return s.closeErr
}
