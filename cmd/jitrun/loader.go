package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	jerrors "github.com/wippyai/jitstack/errors"
	"github.com/wippyai/jitstack/unit"
)

// loadUnit reads a wasm module from path, decompressing .lz4 and .xz files,
// and decodes it into a unit named after the file.
func loadUnit(path string) (*unit.Unit, error) {
	data, err := readModule(path)
	if err != nil {
		return nil, err
	}
	u, err := unit.Decode(unitName(path), data)
	if err != nil {
		return nil, jerrors.Load("decode "+path, err)
	}
	return u, nil
}

func readModule(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, jerrors.Load("open "+path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lz4":
		r = lz4.NewReader(f)
	case ".xz":
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, jerrors.Load("xz stream "+path, err)
		}
		r = xr
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, jerrors.Load("read "+path, err)
	}
	return buf.Bytes(), nil
}

// unitName strips the directory and every known extension: "lib/math.wasm.xz"
// becomes "math".
func unitName(path string) string {
	name := filepath.Base(path)
	for {
		ext := strings.ToLower(filepath.Ext(name))
		switch ext {
		case ".lz4", ".xz", ".wasm":
			name = name[:len(name)-len(ext)]
			continue
		}
		return name
	}
}
