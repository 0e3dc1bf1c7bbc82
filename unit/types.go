package unit

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// WebAssembly binary format magic number and version.
const (
	Magic   uint32 = 0x6D736100
	Version uint32 = 0x01
)

// Section IDs. Sections must appear in increasing order by ID (except custom sections).
const (
	sectionCustom    byte = 0
	sectionType      byte = 1
	sectionImport    byte = 2
	sectionFunction  byte = 3
	sectionTable     byte = 4
	sectionMemory    byte = 5
	sectionGlobal    byte = 6
	sectionExport    byte = 7
	sectionStart     byte = 8
	sectionElement   byte = 9
	sectionCode      byte = 10
	sectionData      byte = 11
	sectionDataCount byte = 12
	sectionTag       byte = 13
)

// Import/export descriptor kinds.
const (
	kindFunc   byte = 0
	kindTable  byte = 1
	kindMemory byte = 2
	kindGlobal byte = 3
	kindTag    byte = 4
)

const funcTypeByte byte = 0x60

// Signature is the type of a function: parameter and result value types.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Sig builds a signature from params and results.
func Sig(params []api.ValueType, results ...api.ValueType) Signature {
	return Signature{Params: params, Results: results}
}

// Equal reports whether two signatures are identical.
func (s Signature) Equal(o Signature) bool {
	return valueTypesEqual(s.Params, o.Params) && valueTypesEqual(s.Results, o.Results)
}

// String renders the signature as "(i32, i32) -> i32".
func (s Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteString(") -> ")
	switch len(s.Results) {
	case 0:
		b.WriteString("()")
	case 1:
		b.WriteString(api.ValueTypeName(s.Results[0]))
	default:
		b.WriteByte('(')
		for i, r := range s.Results {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(api.ValueTypeName(r))
		}
		b.WriteByte(')')
	}
	return b.String()
}

func (s Signature) clone() Signature {
	return Signature{
		Params:  append([]api.ValueType(nil), s.Params...),
		Results: append([]api.ValueType(nil), s.Results...),
	}
}

func valueTypesEqual(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validValueType(v api.ValueType) bool {
	switch v {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64,
		api.ValueTypeExternref:
		return true
	}
	return false
}

// Symbol is a named function crossing the unit boundary: either an external
// reference the unit needs resolved, or a definition it exports.
type Symbol struct {
	Name      string
	Signature Signature
}
