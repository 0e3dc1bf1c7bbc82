package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/jitstack/unit"
)

// witType maps a core value type to the WIT type used to parse and print it.
func witType(v api.ValueType) wit.Type {
	switch v {
	case api.ValueTypeI32:
		return wit.S32{}
	case api.ValueTypeI64:
		return wit.S64{}
	case api.ValueTypeF32:
		return wit.F32{}
	case api.ValueTypeF64:
		return wit.F64{}
	}
	return nil
}

func witTypeStr(t wit.Type) string {
	switch t.(type) {
	case wit.S32:
		return "s32"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case nil:
		return "externref"
	default:
		return fmt.Sprintf("%T", t)
	}
}

// convertArg parses value as t and returns its raw wasm encoding.
func convertArg(value string, t wit.Type) (uint64, error) {
	value = strings.TrimSpace(value)
	switch t.(type) {
	case wit.S32:
		v, err := strconv.ParseInt(value, 0, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeI32(int32(v)), nil
	case wit.S64:
		v, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeI64(v), nil
	case wit.F32:
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(v)), nil
	case wit.F64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(v), nil
	}
	return 0, fmt.Errorf("cannot pass %s from the command line", witTypeStr(t))
}

func convertArgs(values []string, sig unit.Signature) ([]uint64, error) {
	if len(values) != len(sig.Params) {
		return nil, fmt.Errorf("want %d arguments for %s, got %d", len(sig.Params), sig, len(values))
	}
	out := make([]uint64, len(values))
	for i, v := range values {
		raw, err := convertArg(v, witType(sig.Params[i]))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

func formatValue(raw uint64, t wit.Type) string {
	switch t.(type) {
	case wit.S32:
		return strconv.FormatInt(int64(api.DecodeI32(raw)), 10)
	case wit.S64:
		return strconv.FormatInt(int64(raw), 10)
	case wit.F32:
		return strconv.FormatFloat(float64(api.DecodeF32(raw)), 'g', -1, 32)
	case wit.F64:
		return strconv.FormatFloat(api.DecodeF64(raw), 'g', -1, 64)
	}
	return fmt.Sprintf("0x%x", raw)
}

func formatResults(raw []uint64, sig unit.Signature) string {
	if len(sig.Results) == 0 {
		return "()"
	}
	parts := make([]string, len(raw))
	for i, r := range raw {
		var t wit.Type
		if i < len(sig.Results) {
			t = witType(sig.Results[i])
		}
		parts[i] = formatValue(r, t)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
