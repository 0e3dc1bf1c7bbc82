// Package jit provides the JIT compilation stack.
//
// A Stack takes ownership of a target machine, accepts compilation units in
// eager or lazy mode, resolves their external references through a callback
// and hands out native entry-point addresses.
//
//	t, _ := target.Native()
//	tm, err := t.CreateTargetMachine(target.MachineConfig{})
//	if err != nil {
//		return err
//	}
//	stack := jit.New(ctx, tm)
//	defer stack.Close(ctx)
//
//	u := unit.New("math")
//	u.Func("add_one", unit.Sig([]api.ValueType{api.ValueTypeI32}, api.ValueTypeI32)).
//		LocalGet(0).I32Const(1).I32Add()
//	if _, err := stack.AddUnit(ctx, u, jit.Eager); err != nil {
//		return err
//	}
//	addr, _ := stack.GetSymbolAddress("add_one")
//	res, _ := stack.Call(ctx, addr, 5) // res[0] == 6
//
// # Symbol resolution
//
// External references are resolved by mangled name, in order: the Resolver
// passed with WithResolver, the stack's builtins, then the symbols of the
// stack's own units. The callback runs on the caller's goroutine, inside
// AddUnit for eager units and inside the first Call for lazy ones. A
// reference nothing resolves fails that operation; code never runs with an
// unresolved reference.
//
// # Errors
//
// The engine keeps one last-error message which its next failing call
// overwrites. Every Stack method reads it right after the failing engine
// call and returns it as *errors.EngineFailure, so callers never read the
// slot themselves. For the same reason a Stack must not be used from several
// goroutines at once; share it through a Guard.
package jit
