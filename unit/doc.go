// Package unit provides compilation units: in-memory WebAssembly modules that
// a JIT stack compiles to native code.
//
// A unit is either built directly:
//
//	u := unit.New("math")
//	u.Func("add_one", unit.Sig([]api.ValueType{api.ValueTypeI32}, api.ValueTypeI32)).
//		LocalGet(0).
//		I32Const(1).
//		I32Add()
//
// or decoded from a binary with Decode. External references are declared with
// Extern and resolved by symbol name when the unit is compiled.
//
// # Ownership
//
// MakeShareable moves the unit's representation into a Shared value; the
// Unit itself must not be used afterwards. Clone before transferring to
// submit the same code twice.
package unit
