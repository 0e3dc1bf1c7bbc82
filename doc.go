// Package jitstack is a just-in-time compilation stack for WebAssembly
// function units, built on wazero.
//
// Units are assembled in Go or decoded from binaries, handed to a stack in
// eager or lazy mode, and their exported functions are called through
// stable native addresses. External references between units, and from
// units to Go host functions, are resolved by mangled symbol name.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	jitstack/
//	├── target/          Backend registry, triples, target machines
//	├── unit/            Unit builder, binary encoder and decoder
//	├── jit/             The Stack: add, remove, resolve, look up, call
//	├── errors/          Structured error types with phase and kind
//	├── internal/orc/    Engine API over wazero with a last-error slot
//	├── internal/handle/ Owned handles and opaque-key registries
//	└── cmd/jitrun/      Command-line runner with TUI and REPL
//
// # Quick Start
//
//	t, _ := target.Native()
//	tm, err := t.CreateTargetMachine(target.MachineConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	stack := jit.New(ctx, tm)
//	defer stack.Close(ctx)
//
//	u := unit.New("math")
//	u.Func("add_one", unit.Sig([]api.ValueType{api.ValueTypeI32}, api.ValueTypeI32)).
//	    LocalGet(0).I32Const(1).I32Add()
//	if _, err := stack.AddUnit(ctx, u, jit.Eager); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := stack.CallSymbol(ctx, "add_one", 5)
//	fmt.Println(res[0]) // 6
//
// # Ownership
//
// A target machine belongs to its creator until jit.New takes it. A unit
// moves into the stack on AddUnit, successful or not; Clone it to add the
// same code twice. Handles returned by AddUnit are valid only on the stack
// that issued them and only until it is closed.
//
// # Thread Safety
//
// A Stack is NOT safe for concurrent use: the engine keeps a single
// last-error message that a concurrent failure would overwrite. Share a
// stack between goroutines through jit.Guard.
package jitstack
