package orc

import (
	"context"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/jitstack/target"
	"github.com/wippyai/jitstack/unit"
)

var i32 = api.ValueTypeI32

func newEngine(t *testing.T, triple string) *Engine {
	t.Helper()
	tg, err := target.FromName("interpreter")
	if err != nil {
		t.Fatal(err)
	}
	tm, err := tg.CreateTargetMachine(target.MachineConfig{Triple: triple})
	if err != nil {
		t.Fatalf("CreateTargetMachine: %v", err)
	}
	e := CreateInstance(context.Background(), tm.Release())
	t.Cleanup(func() {
		if !e.disposed {
			e.DisposeInstance(context.Background())
		}
	})
	return e
}

func shared(t *testing.T, u *unit.Unit) *unit.Shared {
	t.Helper()
	s, err := u.MakeShareable()
	if err != nil {
		t.Fatalf("MakeShareable: %v", err)
	}
	return s
}

func addOneUnit() *unit.Unit {
	u := unit.New("add_one")
	u.Func("add_one", unit.Sig([]api.ValueType{i32}, i32)).LocalGet(0).I32Const(1).I32Add()
	return u
}

func constUnit(name string, v int32) *unit.Unit {
	u := unit.New(name)
	u.Func("value", unit.Sig(nil, i32)).I32Const(v)
	return u
}

// callerUnit calls extern sym with its argument.
func callerUnit(sym string) *unit.Unit {
	u := unit.New("caller")
	ext := u.Extern(sym, unit.Sig([]api.ValueType{i32}, i32))
	u.Func("call", unit.Sig([]api.ValueType{i32}, i32)).LocalGet(0).Call(ext)
	return u
}

func lookup(t *testing.T, e *Engine, mangled string) uint64 {
	t.Helper()
	var addr uint64
	if code := e.GetSymbolAddress(&addr, mangled); code != Success {
		t.Fatalf("GetSymbolAddress(%q) = %s: %s", mangled, code, e.GetErrorMsg())
	}
	return addr
}

func invoke(t *testing.T, e *Engine, addr uint64, params ...uint64) []uint64 {
	t.Helper()
	var res []uint64
	if code := e.Invoke(context.Background(), addr, params, &res); code != Success {
		t.Fatalf("Invoke(0x%x) = %s: %s", addr, code, e.GetErrorMsg())
	}
	return res
}

type countingResolver struct {
	addrs map[string]uint64
	calls map[string]int
}

func newCountingResolver() *countingResolver {
	return &countingResolver{addrs: map[string]uint64{}, calls: map[string]int{}}
}

func (r *countingResolver) resolve(name string, _ uintptr) uint64 {
	r.calls[name]++
	return r.addrs[name]
}

func (r *countingResolver) total() int {
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func tripler(_ context.Context, params []uint64) ([]uint64, error) {
	return []uint64{uint64(uint32(params[0]) * 3)}, nil
}

func TestEngine_EagerAddAndInvoke(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatalf("AddEagerlyCompiledIR = %s: %s", code, e.GetErrorMsg())
	}
	if key == 0 {
		t.Fatal("module key must be non-zero")
	}

	addr := lookup(t, e, "add_one")
	if addr == 0 {
		t.Fatal("add_one not found")
	}
	if res := invoke(t, e, addr, 5); res[0] != 6 {
		t.Errorf("add_one(5) = %d, want 6", res[0])
	}
	if e.Modules() != 1 {
		t.Errorf("Modules = %d, want 1", e.Modules())
	}
}

func TestEngine_MissingSymbolIsZero(t *testing.T) {
	e := newEngine(t, "x86_64-unknown-linux-gnu")
	var addr uint64 = 42
	if code := e.GetSymbolAddress(&addr, "nope"); code != Success {
		t.Fatalf("GetSymbolAddress = %s", code)
	}
	if addr != 0 {
		t.Errorf("addr = 0x%x, want 0", addr)
	}
}

func TestEngine_ResolveBuiltin(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	baddr, code := e.DefineBuiltin("triple", unit.Sig([]api.ValueType{i32}, i32), tripler)
	if code != Success {
		t.Fatalf("DefineBuiltin = %s", code)
	}
	r := newCountingResolver()
	r.addrs["triple"] = baddr

	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, callerUnit("triple")), r.resolve, 0); code != Success {
		t.Fatalf("AddEagerlyCompiledIR = %s: %s", code, e.GetErrorMsg())
	}
	if r.calls["triple"] != 1 || r.total() != 1 {
		t.Errorf("resolver calls = %v, want triple once", r.calls)
	}

	if res := invoke(t, e, lookup(t, e, "call"), 7); res[0] != 21 {
		t.Errorf("call(7) = %d, want 21", res[0])
	}
	if r.total() != 1 {
		t.Errorf("resolver called again after add: %v", r.calls)
	}
}

func TestEngine_UnresolvedFailsEagerly(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	u := unit.New("abort")
	abort := u.Extern("__builtin_abort_stub", unit.Sig(nil))
	u.Func("crash", unit.Sig(nil)).Call(abort)
	s := shared(t, u)

	r := newCountingResolver()
	var key ModuleHandle
	code := e.AddEagerlyCompiledIR(ctx, &key, s, r.resolve, 0)
	if code != Generic {
		t.Fatalf("AddEagerlyCompiledIR = %s, want failure", code)
	}
	if msg := e.GetErrorMsg(); msg != "symbol not found: __builtin_abort_stub" {
		t.Errorf("error message = %q", msg)
	}
	if msg := e.GetErrorMsg(); msg != "" {
		t.Errorf("error slot not cleared: %q", msg)
	}
	if key != 0 {
		t.Errorf("key written on failure: %d", key)
	}
	if e.Modules() != 0 {
		t.Errorf("failed module is tracked")
	}
	if lookup(t, e, "crash") != 0 {
		t.Error("failed module's symbol is visible")
	}
	if s.Live() {
		t.Error("engine did not release the shared unit")
	}
}

func TestEngine_LastErrorOverwrite(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	if code := e.RemoveModule(ctx, 99); code != Generic {
		t.Fatalf("RemoveModule(99) = %s", code)
	}
	if code := e.RemoveModule(ctx, 100); code != Generic {
		t.Fatalf("RemoveModule(100) = %s", code)
	}
	if msg := e.GetErrorMsg(); msg != "module 100 not found" {
		t.Errorf("slot = %q, want the most recent failure", msg)
	}
}

func TestEngine_RemoveTwice(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if code := e.RemoveModule(ctx, key); code != Success {
		t.Fatalf("first remove = %s: %s", code, e.GetErrorMsg())
	}
	if lookup(t, e, "add_one") != 0 {
		t.Error("symbol survives removal")
	}
	if code := e.RemoveModule(ctx, key); code != Generic {
		t.Errorf("second remove = %s, want failure", code)
	}
	if msg := e.GetErrorMsg(); !strings.Contains(msg, "not found") {
		t.Errorf("error message = %q", msg)
	}
}

func TestEngine_KeysNotReused(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	var first, second ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &first, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if code := e.RemoveModule(ctx, first); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if code := e.AddLazilyCompiledIR(ctx, &second, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if second <= first {
		t.Errorf("key %d reused or decreased after %d", second, first)
	}
}

func TestEngine_MostRecentDefinitionWins(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	var one, two ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &one, shared(t, constUnit("one", 1)), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if code := e.AddEagerlyCompiledIR(ctx, &two, shared(t, constUnit("two", 2)), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}

	if res := invoke(t, e, lookup(t, e, "value")); res[0] != 2 {
		t.Errorf("value() = %d, want newest definition", res[0])
	}
	if code := e.RemoveModule(ctx, two); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if res := invoke(t, e, lookup(t, e, "value")); res[0] != 1 {
		t.Errorf("value() after removal = %d, want 1", res[0])
	}
}

func TestEngine_Lazy(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	baddr, _ := e.DefineBuiltin("triple", unit.Sig([]api.ValueType{i32}, i32), tripler)
	r := newCountingResolver()
	r.addrs["triple"] = baddr

	var key ModuleHandle
	if code := e.AddLazilyCompiledIR(ctx, &key, shared(t, callerUnit("triple")), r.resolve, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if r.total() != 0 {
		t.Fatalf("resolver called during lazy add: %v", r.calls)
	}

	addr := lookup(t, e, "call")
	if addr == 0 {
		t.Fatal("lazy symbol has no address")
	}
	for i := 0; i < 3; i++ {
		if res := invoke(t, e, addr, 2); res[0] != 6 {
			t.Errorf("call(2) = %d, want 6", res[0])
		}
	}
	if r.calls["triple"] != 1 {
		t.Errorf("resolver calls = %v, want exactly one for triple", r.calls)
	}
}

func TestEngine_LazyFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	r := newCountingResolver()
	var key ModuleHandle
	if code := e.AddLazilyCompiledIR(ctx, &key, shared(t, callerUnit("triple")), r.resolve, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	addr := lookup(t, e, "call")

	var res []uint64
	if code := e.Invoke(ctx, addr, []uint64{1}, &res); code != Generic {
		t.Fatalf("Invoke with unresolved extern = %s", code)
	}
	if msg := e.GetErrorMsg(); msg != "symbol not found: triple" {
		t.Errorf("error message = %q", msg)
	}
	if e.Modules() != 1 {
		t.Error("lazy module dropped after failed materialization")
	}

	baddr, _ := e.DefineBuiltin("triple", unit.Sig([]api.ValueType{i32}, i32), tripler)
	r.addrs["triple"] = baddr
	if res := invoke(t, e, addr, 4); res[0] != 12 {
		t.Errorf("call(4) = %d, want 12", res[0])
	}
	if r.calls["triple"] != 2 {
		t.Errorf("resolver calls = %d, want 2", r.calls["triple"])
	}
}

func TestEngine_SignatureMismatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	baddr, _ := e.DefineBuiltin("triple", unit.Sig(nil), func(context.Context, []uint64) ([]uint64, error) {
		return nil, nil
	})
	r := newCountingResolver()
	r.addrs["triple"] = baddr

	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, callerUnit("triple")), r.resolve, 0); code != Generic {
		t.Fatalf("AddEagerlyCompiledIR = %s, want failure", code)
	}
	if msg := e.GetErrorMsg(); !strings.Contains(msg, "signature_mismatch") {
		t.Errorf("error message = %q", msg)
	}
}

func TestEngine_CallIntoRemovedModule(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	var calleeKey, callerKey ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &calleeKey, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	sameEngine := func(name string, _ uintptr) uint64 {
		var addr uint64
		e.GetSymbolAddress(&addr, name)
		return addr
	}
	if code := e.AddEagerlyCompiledIR(ctx, &callerKey, shared(t, callerUnit("add_one")), sameEngine, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	call := lookup(t, e, "call")
	if res := invoke(t, e, call, 9); res[0] != 10 {
		t.Errorf("call(9) = %d, want 10", res[0])
	}

	if code := e.RemoveModule(ctx, calleeKey); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	var res []uint64
	if code := e.Invoke(ctx, call, []uint64{9}, &res); code != Generic {
		t.Fatalf("Invoke after callee removal = %s, want failure", code)
	}
	if msg := e.GetErrorMsg(); !strings.Contains(msg, "no code at address") {
		t.Errorf("error message = %q", msg)
	}
}

func TestEngine_InvokeArgumentCount(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	var res []uint64
	if code := e.Invoke(ctx, lookup(t, e, "add_one"), nil, &res); code != Generic {
		t.Fatalf("Invoke without args = %s", code)
	}
	if msg := e.GetErrorMsg(); !strings.Contains(msg, "want 1 arguments") {
		t.Errorf("error message = %q", msg)
	}
}

func TestEngine_Mangling(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "aarch64-apple-darwin")

	if got := e.GetMangledSymbol("foo"); got != "_foo" {
		t.Errorf("GetMangledSymbol(foo) = %q, want _foo", got)
	}

	var seen []string
	baddr, _ := e.DefineBuiltin("_triple", unit.Sig([]api.ValueType{i32}, i32), tripler)
	resolver := func(name string, _ uintptr) uint64 {
		seen = append(seen, name)
		if name == "_triple" {
			return baddr
		}
		return 0
	}

	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, callerUnit("triple")), resolver, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if len(seen) != 1 || seen[0] != e.GetMangledSymbol("triple") {
		t.Errorf("resolver saw %v, want [%s]", seen, e.GetMangledSymbol("triple"))
	}
	if lookup(t, e, "_call") == 0 {
		t.Error("export not registered under mangled name")
	}
	if lookup(t, e, "call") != 0 {
		t.Error("export registered under unmangled name")
	}

	var names []string
	e.Symbols(func(mangled string, _ uint64) { names = append(names, mangled) })
	if len(names) != 1 || names[0] != "_call" {
		t.Errorf("Symbols = %v", names)
	}
}

func TestEngine_DisposeInstance(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	s := shared(t, addOneUnit())
	var key ModuleHandle
	if code := e.AddLazilyCompiledIR(ctx, &key, s, nil, 0); code != Success {
		t.Fatal(e.GetErrorMsg())
	}
	if code := e.DisposeInstance(ctx); code != Success {
		t.Fatalf("DisposeInstance = %s: %s", code, e.GetErrorMsg())
	}
	if s.Live() {
		t.Error("shared unit outlived its engine")
	}
	if code := e.DisposeInstance(ctx); code != Generic {
		t.Errorf("second DisposeInstance = %s, want failure", code)
	}
	var addr uint64
	if code := e.GetSymbolAddress(&addr, "add_one"); code != Generic {
		t.Errorf("lookup on disposed engine = %s", code)
	}
}

// twoImportsOfF imports "f" from modules "a" and "b"; "call" forwards its
// argument to the first. bSig is the type index of b.f: 0 is (i32) -> i32,
// 1 is (i32) -> ().
func twoImportsOfF(t *testing.T, bSig byte) *unit.Unit {
	t.Helper()
	bin := []byte{
		0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,
		// type
		0x01, 0x0A, 0x02, 0x60, 0x01, 0x7F, 0x01, 0x7F, 0x60, 0x01, 0x7F, 0x00,
		// import a.f, b.f
		0x02, 0x0D, 0x02,
		0x01, 'a', 0x01, 'f', 0x00, 0x00,
		0x01, 'b', 0x01, 'f', 0x00, bSig,
		// function
		0x03, 0x02, 0x01, 0x00,
		// export "call" = func 2
		0x07, 0x08, 0x01, 0x04, 'c', 'a', 'l', 'l', 0x00, 0x02,
		// code: local.get 0; call 0
		0x0A, 0x08, 0x01, 0x06, 0x00, 0x20, 0x00, 0x10, 0x00, 0x0B,
	}
	u, err := unit.Decode("twice_imported", bin)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return u
}

func TestEngine_DuplicateImportResolvedOnce(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	r := newCountingResolver()
	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, twoImportsOfF(t, 0)), r.resolve, 0); code != Generic {
		t.Fatalf("AddEagerlyCompiledIR = %s, want failure", code)
	}
	if msg := e.GetErrorMsg(); msg != "symbol not found: f" {
		t.Errorf("error message = %q", msg)
	}
	if r.calls["f"] != 1 {
		t.Errorf("resolver asked %d times for f, want 1", r.calls["f"])
	}

	addr, code := e.DefineBuiltin("f", unit.Sig([]api.ValueType{i32}, i32), tripler)
	if code != Success {
		t.Fatalf("DefineBuiltin: %s", e.GetErrorMsg())
	}
	r = newCountingResolver()
	r.addrs["f"] = addr
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, twoImportsOfF(t, 0)), r.resolve, 0); code != Success {
		t.Fatalf("AddEagerlyCompiledIR = %s: %s", code, e.GetErrorMsg())
	}
	if r.total() != 1 {
		t.Errorf("resolver called %d times, want 1", r.total())
	}
	if got := invoke(t, e, lookup(t, e, "call"), 4); got[0] != 12 {
		t.Errorf("call(4) = %d, want 12", got[0])
	}
}

func TestEngine_DuplicateImportSignatureMismatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "x86_64-unknown-linux-gnu")

	r := newCountingResolver()
	var key ModuleHandle
	if code := e.AddEagerlyCompiledIR(ctx, &key, shared(t, twoImportsOfF(t, 1)), r.resolve, 0); code != Generic {
		t.Fatalf("AddEagerlyCompiledIR = %s, want failure", code)
	}
	msg := e.GetErrorMsg()
	if !strings.Contains(msg, "signature_mismatch") || !strings.Contains(msg, "at f") {
		t.Errorf("error message = %q", msg)
	}
}

func TestEngine_ForeignAddress(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t, "x86_64-unknown-linux-gnu")
	b := newEngine(t, "x86_64-unknown-linux-gnu")

	var key ModuleHandle
	if code := a.AddEagerlyCompiledIR(ctx, &key, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatalf("add to a: %s", a.GetErrorMsg())
	}
	if code := b.AddEagerlyCompiledIR(ctx, &key, shared(t, addOneUnit()), nil, 0); code != Success {
		t.Fatalf("add to b: %s", b.GetErrorMsg())
	}
	addrA, addrB := lookup(t, a, "add_one"), lookup(t, b, "add_one")
	if addrA == addrB {
		t.Fatalf("engines issued the same address 0x%x", addrA)
	}

	var res []uint64
	if code := b.Invoke(ctx, addrA, []uint64{5}, &res); code != Generic {
		t.Fatalf("Invoke of a foreign address = %s, want failure", code)
	}
	if msg := b.GetErrorMsg(); !strings.Contains(msg, "foreign_handle") {
		t.Errorf("error message = %q", msg)
	}
	if _, ok := b.SignatureOf(addrA); ok {
		t.Error("SignatureOf accepted a foreign address")
	}

	builtinA, code := a.DefineBuiltin("triple", unit.Sig([]api.ValueType{i32}, i32), tripler)
	if code != Success {
		t.Fatal(a.GetErrorMsg())
	}
	r := newCountingResolver()
	r.addrs["triple"] = builtinA
	if code := b.AddEagerlyCompiledIR(ctx, &key, shared(t, callerUnit("triple")), r.resolve, 0); code != Generic {
		t.Fatalf("linking against a foreign builtin = %s, want failure", code)
	}
	if msg := b.GetErrorMsg(); !strings.Contains(msg, "foreign_handle") {
		t.Errorf("error message = %q", msg)
	}
}
