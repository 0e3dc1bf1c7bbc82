package unit

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/jitstack/errors"
	"github.com/wippyai/jitstack/internal/handle"
)

// DefaultImportModule is the module name external references are declared
// under when a unit is encoded without a JIT stack.
const DefaultImportModule = "env"

// Unit is an in-memory compilation unit: code and data prior to native-code
// generation. A Unit is built with New and Func/Extern, or decoded from a
// WebAssembly binary with Decode.
//
// A Unit's representation is transferred exactly once, by MakeShareable.
// Use Clone to submit the same code more than once.
//
// Unit is not safe for concurrent use.
type Unit struct {
	mod  *handle.Handle[*module]
	name string
}

type module struct {
	err     error
	types   []Signature
	imports []importEntry
	funcs   []*funcDef

	// decoded units keep every section verbatim except imports
	raw       []rawSection
	funcTypes []uint32
	exports   []exportEntry
	decoded   bool
}

type importEntry struct {
	module  string
	name    string
	desc    []byte
	typeIdx uint32
	kind    byte
}

type exportEntry struct {
	name string
	idx  uint32
	kind byte
}

type rawSection struct {
	data []byte
	id   byte
}

// FuncRef identifies a callable function inside one unit: either an
// external reference or a defined function.
type FuncRef struct {
	owner  *module
	name   string
	sig    Signature
	index  int
	extern bool
}

// Name returns the symbol name of the referenced function.
func (r FuncRef) Name() string { return r.name }

// Signature returns the referenced function's type.
func (r FuncRef) Signature() Signature { return r.sig }

// New creates an empty unit.
func New(name string) *Unit {
	return &Unit{
		name: name,
		mod:  newModuleHandle(&module{}),
	}
}

// Name returns the unit's name, used for diagnostics only.
func (u *Unit) Name() string {
	return u.name
}

// Consumed reports whether the unit's representation was transferred.
func (u *Unit) Consumed() bool {
	return !u.mod.Live()
}

// Extern declares an external reference resolved at code-generation time.
// Declaring the same name twice returns the existing reference.
func (u *Unit) Extern(name string, sig Signature) FuncRef {
	m := u.mod.Get()
	if m.decoded {
		m.fail(errors.Unsupported(errors.PhaseBuild, "extending a decoded unit"))
		return FuncRef{owner: m, name: name, sig: sig, extern: true}
	}
	for i, imp := range m.imports {
		if imp.name == name {
			have := m.types[imp.typeIdx]
			if !have.Equal(sig) {
				m.fail(errors.SignatureMismatch(errors.PhaseBuild, name, have.String(), sig.String()))
			}
			return FuncRef{owner: m, name: name, sig: have, index: i, extern: true}
		}
	}
	m.checkSignature(name, sig)
	m.imports = append(m.imports, importEntry{
		module:  DefaultImportModule,
		name:    name,
		kind:    kindFunc,
		typeIdx: m.typeIndex(sig),
	})
	return FuncRef{owner: m, name: name, sig: sig, index: len(m.imports) - 1, extern: true}
}

// Func defines an exported function and returns a builder for its body.
// locals declares additional local variables following the parameters.
func (u *Unit) Func(name string, sig Signature, locals ...api.ValueType) *FuncBuilder {
	m := u.mod.Get()
	fd := &funcDef{
		name:   name,
		sig:    sig.clone(),
		locals: append([]api.ValueType(nil), locals...),
	}
	fb := &FuncBuilder{unit: u, def: fd}
	if m.decoded {
		m.fail(errors.Unsupported(errors.PhaseBuild, "extending a decoded unit"))
		return fb
	}
	for _, f := range m.funcs {
		if f.name == name {
			m.fail(errors.New(errors.PhaseBuild, errors.KindInvalidInput).
				Symbol(name).
				Detail("function defined twice").
				Build())
			return fb
		}
	}
	m.checkSignature(name, sig)
	m.typeIndex(sig)
	for _, l := range locals {
		if !validValueType(l) {
			m.fail(errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("invalid local type 0x%x in %s", l, name)))
		}
	}
	m.funcs = append(m.funcs, fd)
	return fb
}

// Lookup returns a reference to a previously defined function or extern.
func (u *Unit) Lookup(name string) (FuncRef, bool) {
	m := u.mod.Get()
	for i, f := range m.funcs {
		if f.name == name {
			return FuncRef{owner: m, name: name, sig: f.sig, index: i}, true
		}
	}
	for i, imp := range m.imports {
		if imp.kind == kindFunc && imp.name == name {
			return FuncRef{owner: m, name: name, sig: m.types[imp.typeIdx], index: i, extern: true}, true
		}
	}
	return FuncRef{}, false
}

// Externs lists the external references the unit needs resolved.
func (u *Unit) Externs() []Symbol {
	return u.mod.Get().externs()
}

// Exports lists the functions the unit defines for lookup by name.
func (u *Unit) Exports() []Symbol {
	return u.mod.Get().exportSymbols()
}

// Err returns the first error recorded while building the unit.
func (u *Unit) Err() error {
	return u.mod.Get().err
}

// Clone returns an independent copy of the unit. It panics if the unit was
// already transferred.
func (u *Unit) Clone() *Unit {
	m := u.mod.Get()
	return &Unit{
		name: u.name,
		mod:  newModuleHandle(m.clone()),
	}
}

// Encode emits the unit as a WebAssembly binary with external references
// declared under DefaultImportModule. The unit stays usable.
func (u *Unit) Encode() ([]byte, error) {
	m := u.mod.Get()
	if m.err != nil {
		return nil, m.err
	}
	return m.encode(DefaultImportModule), nil
}

// MakeShareable transfers the unit's representation into a Shared value that
// a JIT stack can take ownership of. The unit is unusable afterwards; a
// second call returns a KindConsumed error.
func (u *Unit) MakeShareable() (*Shared, error) {
	if !u.mod.Live() {
		return nil, errors.Consumed(errors.PhaseShare, fmt.Sprintf("unit %q", u.name))
	}
	if err := u.mod.Get().err; err != nil {
		return nil, err
	}
	m := u.mod.Take()
	return &Shared{
		name: u.name,
		mod:  handle.New("shared unit", m, nil),
	}, nil
}

func newModuleHandle(m *module) *handle.Handle[*module] {
	return handle.New("compilation unit", m, nil)
}

func (m *module) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *module) checkSignature(name string, sig Signature) {
	for _, v := range sig.Params {
		if !validValueType(v) {
			m.fail(errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("invalid param type 0x%x in %s", v, name)))
		}
	}
	for _, v := range sig.Results {
		if !validValueType(v) {
			m.fail(errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("invalid result type 0x%x in %s", v, name)))
		}
	}
}

func (m *module) typeIndex(sig Signature) uint32 {
	for i, t := range m.types {
		if t.Equal(sig) {
			return uint32(i)
		}
	}
	m.types = append(m.types, sig.clone())
	return uint32(len(m.types) - 1)
}

func (m *module) funcImportCount() int {
	n := 0
	for _, imp := range m.imports {
		if imp.kind == kindFunc {
			n++
		}
	}
	return n
}

func (m *module) externs() []Symbol {
	var out []Symbol
	for _, imp := range m.imports {
		if imp.kind != kindFunc {
			continue
		}
		out = append(out, Symbol{Name: imp.name, Signature: m.types[imp.typeIdx].clone()})
	}
	return out
}

// unsupportedImports lists imports the engine cannot satisfy by symbol resolution.
func (m *module) unsupportedImports() []string {
	var out []string
	for _, imp := range m.imports {
		if imp.kind != kindFunc {
			out = append(out, imp.module+"."+imp.name)
		}
	}
	return out
}

func (m *module) exportSymbols() []Symbol {
	if !m.decoded {
		var out []Symbol
		for _, f := range m.funcs {
			if !f.hidden {
				out = append(out, Symbol{Name: f.name, Signature: f.sig.clone()})
			}
		}
		return out
	}

	// Function index space: imported functions first, then defined ones.
	var importSigs []Signature
	for _, imp := range m.imports {
		if imp.kind == kindFunc {
			importSigs = append(importSigs, m.types[imp.typeIdx])
		}
	}
	var out []Symbol
	for _, exp := range m.exports {
		if exp.kind != kindFunc {
			continue
		}
		var sig Signature
		switch idx := int(exp.idx); {
		case idx < len(importSigs):
			sig = importSigs[idx]
		case idx-len(importSigs) < len(m.funcTypes):
			sig = m.types[m.funcTypes[idx-len(importSigs)]]
		default:
			continue
		}
		out = append(out, Symbol{Name: exp.name, Signature: sig.clone()})
	}
	return out
}

func (m *module) clone() *module {
	c := &module{
		err:       m.err,
		decoded:   m.decoded,
		imports:   append([]importEntry(nil), m.imports...),
		exports:   append([]exportEntry(nil), m.exports...),
		funcTypes: append([]uint32(nil), m.funcTypes...),
	}
	for _, t := range m.types {
		c.types = append(c.types, t.clone())
	}
	for _, f := range m.funcs {
		c.funcs = append(c.funcs, f.clone())
	}
	for _, s := range m.raw {
		c.raw = append(c.raw, rawSection{id: s.id, data: append([]byte(nil), s.data...)})
	}
	return c
}
