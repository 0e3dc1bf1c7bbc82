package unit

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/jitstack/errors"
)

// Opcodes emitted by FuncBuilder.
const (
	opUnreachable byte = 0x00
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0B
	opReturn      byte = 0x0F
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Eqz      byte = 0x45
	opI32LtS      byte = 0x48
	opI32Add      byte = 0x6A
	opI32Sub      byte = 0x6B
	opI32Mul      byte = 0x6C
	opI64Add      byte = 0x7C
	opI64Sub      byte = 0x7D
	opI64Mul      byte = 0x7E

	blockTypeEmpty byte = 0x40
)

type funcDef struct {
	name   string
	sig    Signature
	locals []api.ValueType
	body   []instr
	hidden bool
}

type instr struct {
	imm    []byte
	callee int
	op     byte
	extern bool
}

func (f *funcDef) clone() *funcDef {
	c := &funcDef{
		name:   f.name,
		sig:    f.sig.clone(),
		locals: append([]api.ValueType(nil), f.locals...),
		hidden: f.hidden,
		body:   make([]instr, len(f.body)),
	}
	for i, in := range f.body {
		in.imm = append([]byte(nil), in.imm...)
		c.body[i] = in
	}
	return c
}

// FuncBuilder appends instructions to a function body. The closing end of the
// body is added when the unit is encoded. Builder errors are recorded on the
// unit and surface from MakeShareable or Encode.
type FuncBuilder struct {
	unit *Unit
	def  *funcDef
}

// Hidden removes the function from the unit's exports. It can still be the
// target of Call within the unit.
func (b *FuncBuilder) Hidden() *FuncBuilder {
	b.unit.mod.Get()
	b.def.hidden = true
	return b
}

// Ref returns a reference for calling this function from within the unit.
func (b *FuncBuilder) Ref() FuncRef {
	ref, ok := b.unit.Lookup(b.def.name)
	if !ok || ref.extern {
		return FuncRef{owner: b.unit.mod.Get(), name: b.def.name, sig: b.def.sig, index: -1}
	}
	return ref
}

func (b *FuncBuilder) emit(op byte, imm []byte) *FuncBuilder {
	b.unit.mod.Get()
	b.def.body = append(b.def.body, instr{op: op, imm: imm})
	return b
}

func u32(v uint32) []byte {
	var w writer
	w.WriteU32(v)
	return append([]byte(nil), w.Bytes()...)
}

func s64(v int64) []byte {
	var w writer
	w.WriteS64(v)
	return append([]byte(nil), w.Bytes()...)
}

func (b *FuncBuilder) LocalGet(idx uint32) *FuncBuilder { return b.emit(opLocalGet, u32(idx)) }
func (b *FuncBuilder) LocalSet(idx uint32) *FuncBuilder { return b.emit(opLocalSet, u32(idx)) }
func (b *FuncBuilder) LocalTee(idx uint32) *FuncBuilder { return b.emit(opLocalTee, u32(idx)) }
func (b *FuncBuilder) I32Const(v int32) *FuncBuilder    { return b.emit(opI32Const, s64(int64(v))) }
func (b *FuncBuilder) I64Const(v int64) *FuncBuilder    { return b.emit(opI64Const, s64(v)) }
func (b *FuncBuilder) I32Eqz() *FuncBuilder             { return b.emit(opI32Eqz, nil) }
func (b *FuncBuilder) I32LtS() *FuncBuilder             { return b.emit(opI32LtS, nil) }
func (b *FuncBuilder) I32Add() *FuncBuilder             { return b.emit(opI32Add, nil) }
func (b *FuncBuilder) I32Sub() *FuncBuilder             { return b.emit(opI32Sub, nil) }
func (b *FuncBuilder) I32Mul() *FuncBuilder             { return b.emit(opI32Mul, nil) }
func (b *FuncBuilder) I64Add() *FuncBuilder             { return b.emit(opI64Add, nil) }
func (b *FuncBuilder) I64Sub() *FuncBuilder             { return b.emit(opI64Sub, nil) }
func (b *FuncBuilder) I64Mul() *FuncBuilder             { return b.emit(opI64Mul, nil) }
func (b *FuncBuilder) Drop() *FuncBuilder               { return b.emit(opDrop, nil) }
func (b *FuncBuilder) Return() *FuncBuilder             { return b.emit(opReturn, nil) }
func (b *FuncBuilder) Unreachable() *FuncBuilder        { return b.emit(opUnreachable, nil) }

// If opens a block with no result that runs when the top of stack is non-zero.
func (b *FuncBuilder) If() *FuncBuilder { return b.emit(opIf, []byte{blockTypeEmpty}) }

func (b *FuncBuilder) Else() *FuncBuilder { return b.emit(opElse, nil) }

// End closes the innermost If block.
func (b *FuncBuilder) End() *FuncBuilder { return b.emit(opEnd, nil) }

// Call emits a direct call to ref, which must come from the same unit.
func (b *FuncBuilder) Call(ref FuncRef) *FuncBuilder {
	m := b.unit.mod.Get()
	if ref.owner != m || ref.index < 0 {
		m.fail(errors.New(errors.PhaseBuild, errors.KindInvalidInput).
			Symbol(ref.name).
			Detail("call from %s to a function outside unit %q", b.def.name, b.unit.name).
			Build())
		return b
	}
	b.def.body = append(b.def.body, instr{op: opCall, callee: ref.index, extern: ref.extern})
	return b
}
