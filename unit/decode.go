package unit

import (
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero/api"

	jerrors "github.com/wippyai/jitstack/errors"
)

// Decoding errors returned by Decode.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// Decode builds a unit from a WebAssembly binary. Function types, imports,
// function declarations and exports are parsed; every other section is kept
// verbatim and re-emitted unchanged.
func Decode(name string, data []byte) (*Unit, error) {
	m, err := decodeModule(data)
	if err != nil {
		return nil, jerrors.ParseFailed(fmt.Sprintf("unit %q", name), err)
	}
	return &Unit{
		name: name,
		mod:  newModuleHandle(m),
	}, nil
}

func decodeModule(data []byte) (*module, error) {
	r := newReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &module{decoded: true}
	var lastOrder int
	for {
		id, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, r.wrapError(err)
		}
		if id != sectionCustom {
			order := sectionOrder(id)
			if order <= lastOrder {
				return nil, jerrors.InvalidData(jerrors.PhaseParse, fmt.Sprintf("section %d appears out of order", id))
			}
			lastOrder = order
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		body, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, err
		}

		sr := newReader(body)
		switch id {
		case sectionType:
			err = decodeTypes(sr, m)
		case sectionImport:
			err = decodeImports(sr, body, m)
		case sectionFunction:
			err = decodeFunctions(sr, m)
		case sectionExport:
			err = decodeExports(sr, m)
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		m.raw = append(m.raw, rawSection{id: id, data: body})
	}

	// Type indices are checked once every section is in.
	for _, imp := range m.imports {
		if imp.kind == kindFunc && int(imp.typeIdx) >= len(m.types) {
			return nil, fmt.Errorf("import %s.%s type: %w", imp.module, imp.name,
				jerrors.OutOfBounds(jerrors.PhaseParse, int(imp.typeIdx), len(m.types)))
		}
	}
	for i, t := range m.funcTypes {
		if int(t) >= len(m.types) {
			return nil, fmt.Errorf("function %d type: %w", i, jerrors.OutOfBounds(jerrors.PhaseParse, int(t), len(m.types)))
		}
	}
	return m, nil
}

// sectionOrder maps section ids to their required position. Tag sits between
// memory and global, data count before code.
func sectionOrder(id byte) int {
	switch id {
	case sectionType:
		return 1
	case sectionImport:
		return 2
	case sectionFunction:
		return 3
	case sectionTable:
		return 4
	case sectionMemory:
		return 5
	case sectionTag:
		return 6
	case sectionGlobal:
		return 7
	case sectionExport:
		return 8
	case sectionStart:
		return 9
	case sectionElement:
		return 10
	case sectionDataCount:
		return 11
	case sectionCode:
		return 12
	case sectionData:
		return 13
	default:
		return 100
	}
}

func decodeTypes(r *reader, m *module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != funcTypeByte {
			return fmt.Errorf("type %d: unsupported form 0x%x", i, form)
		}
		params, err := readValueTypes(r)
		if err != nil {
			return err
		}
		results, err := readValueTypes(r)
		if err != nil {
			return err
		}
		m.types = append(m.types, Signature{Params: params, Results: results})
	}
	return nil
}

func readValueTypes(r *reader) ([]api.ValueType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, r.wrapError(io.ErrUnexpectedEOF)
	}
	out := make([]api.ValueType, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !validValueType(b) {
			return nil, r.wrapError(fmt.Errorf("unsupported value type 0x%x", b))
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeImports(r *reader, body []byte, m *module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp := importEntry{module: mod, name: name, kind: kind}
		start := r.Position()
		switch kind {
		case kindFunc:
			imp.typeIdx, err = r.ReadU32()
		case kindTable:
			if _, err = r.ReadByte(); err == nil {
				err = skipLimits(r)
			}
		case kindMemory:
			err = skipLimits(r)
		case kindGlobal:
			if _, err = r.ReadByte(); err == nil {
				_, err = r.ReadByte()
			}
		case kindTag:
			if _, err = r.ReadByte(); err == nil {
				_, err = r.ReadU32()
			}
		default:
			return fmt.Errorf("import %s.%s: unknown kind 0x%x", mod, name, kind)
		}
		if err != nil {
			return err
		}
		if kind != kindFunc {
			imp.desc = append([]byte(nil), body[start:r.Position()]...)
		}
		m.imports = append(m.imports, imp)
	}
	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if err := skipLEB(r); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		return skipLEB(r)
	}
	return nil
}

// skipLEB consumes one LEB128 value of up to 64 bits.
func skipLEB(r *reader) error {
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			return nil
		}
	}
	return r.wrapError(errOverflow)
}

func decodeFunctions(r *reader, m *module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.funcTypes = append(m.funcTypes, idx)
	}
	return nil
}

func decodeExports(r *reader, m *module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.exports = append(m.exports, exportEntry{name: name, kind: kind, idx: idx})
	}
	return nil
}
