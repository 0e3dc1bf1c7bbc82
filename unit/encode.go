package unit

import (
	"github.com/tetratelabs/wazero/api"
)

// encode emits the module with every function import declared under
// importModule. Built units are assembled section by section; decoded units
// replay their original sections with only the import section rewritten.
func (m *module) encode(importModule string) []byte {
	var w writer
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if m.decoded {
		for _, s := range m.raw {
			if s.id == sectionImport {
				writeSection(&w, sectionImport, m.encodeImports(importModule))
				continue
			}
			writeSection(&w, s.id, s.data)
		}
		return w.Bytes()
	}

	if len(m.types) > 0 {
		writeSection(&w, sectionType, m.encodeTypes())
	}
	if len(m.imports) > 0 {
		writeSection(&w, sectionImport, m.encodeImports(importModule))
	}
	if len(m.funcs) > 0 {
		writeSection(&w, sectionFunction, m.encodeFunctions())
	}
	if exports := m.encodeExports(); exports != nil {
		writeSection(&w, sectionExport, exports)
	}
	if len(m.funcs) > 0 {
		writeSection(&w, sectionCode, m.encodeCode())
	}
	return w.Bytes()
}

func (m *module) encodeTypes() []byte {
	var w writer
	w.WriteU32(uint32(len(m.types)))
	for _, t := range m.types {
		w.Byte(funcTypeByte)
		writeValueTypes(&w, t.Params)
		writeValueTypes(&w, t.Results)
	}
	return w.Bytes()
}

func writeValueTypes(w *writer, types []api.ValueType) {
	w.WriteU32(uint32(len(types)))
	for _, v := range types {
		w.Byte(v)
	}
}

func (m *module) encodeImports(importModule string) []byte {
	var w writer
	w.WriteU32(uint32(len(m.imports)))
	for _, imp := range m.imports {
		if imp.kind == kindFunc {
			w.WriteName(importModule)
		} else {
			w.WriteName(imp.module)
		}
		w.WriteName(imp.name)
		w.Byte(imp.kind)
		if imp.kind == kindFunc {
			w.WriteU32(imp.typeIdx)
		} else {
			w.WriteBytes(imp.desc)
		}
	}
	return w.Bytes()
}

func (m *module) encodeFunctions() []byte {
	var w writer
	w.WriteU32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		w.WriteU32(m.typeIndex(f.sig))
	}
	return w.Bytes()
}

func (m *module) encodeExports() []byte {
	base := m.funcImportCount()
	var w writer
	n := 0
	for _, f := range m.funcs {
		if !f.hidden {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	w.WriteU32(uint32(n))
	for i, f := range m.funcs {
		if f.hidden {
			continue
		}
		w.WriteName(f.name)
		w.Byte(kindFunc)
		w.WriteU32(uint32(base + i))
	}
	return w.Bytes()
}

func (m *module) encodeCode() []byte {
	base := m.funcImportCount()
	var w writer
	w.WriteU32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		body := encodeBody(f, base)
		w.WriteU32(uint32(len(body)))
		w.WriteBytes(body)
	}
	return w.Bytes()
}

func encodeBody(f *funcDef, base int) []byte {
	var w writer

	// Locals are run-length encoded as (count, type) groups.
	type group struct {
		t api.ValueType
		n uint32
	}
	var groups []group
	for _, l := range f.locals {
		if len(groups) > 0 && groups[len(groups)-1].t == l {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{t: l, n: 1})
	}
	w.WriteU32(uint32(len(groups)))
	for _, g := range groups {
		w.WriteU32(g.n)
		w.Byte(g.t)
	}

	for _, in := range f.body {
		w.Byte(in.op)
		if in.op == opCall {
			idx := in.callee
			if !in.extern {
				idx += base
			}
			w.WriteU32(uint32(idx))
			continue
		}
		w.WriteBytes(in.imm)
	}
	w.Byte(opEnd)
	return w.Bytes()
}
