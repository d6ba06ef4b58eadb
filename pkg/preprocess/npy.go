package preprocess

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"segprep/pkg/volume"
)

// The stacked case array is persisted in NumPy .npy v1.0 format so the
// training stack can memory-map it without a conversion step.

var npyMagic = []byte("\x93NUMPY")

// WriteNpy writes the array as a little-endian float64 .npy file.
func WriteNpy(path string, a *volume.Array) error {
	dims := make([]string, a.NDim())
	for i, s := range a.Shape {
		dims[i] = strconv.Itoa(s)
	}
	shape := strings.Join(dims, ", ")
	if a.NDim() == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%s), }", shape)
	// Total header size (magic + version + length field + dict) must be a
	// multiple of 64, padded with spaces and terminated by a newline.
	unpadded := len(npyMagic) + 2 + 2 + len(header) + 1
	pad := (64 - unpadded%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.WriteByte(1) // major
	buf.WriteByte(0) // minor
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	buf.WriteString(header)
	if err := binary.Write(&buf, binary.LittleEndian, a.Data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadNpy reads a little-endian float64 .npy file written by WriteNpy.
func ReadNpy(path string) (*volume.Array, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 10 || !bytes.Equal(raw[:6], npyMagic) {
		return nil, fmt.Errorf("preprocess: %s is not a .npy file", path)
	}
	headerLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	if len(raw) < 10+headerLen {
		return nil, fmt.Errorf("preprocess: %s has a truncated header", path)
	}
	header := string(raw[10 : 10+headerLen])
	if !strings.Contains(header, "'<f8'") || strings.Contains(header, "True") {
		return nil, fmt.Errorf("preprocess: %s: only C-order little-endian float64 arrays are supported", path)
	}
	shape, err := parseNpyShape(header)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %s: %w", path, err)
	}
	n := volume.NumElements(shape)
	payload := raw[10+headerLen:]
	if len(payload) < n*8 {
		return nil, fmt.Errorf("preprocess: %s: truncated data for shape %v", path, shape)
	}
	a := &volume.Array{Data: make([]float64, n), Shape: shape}
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, a.Data); err != nil {
		return nil, err
	}
	return a, nil
}

func parseNpyShape(header string) ([]int, error) {
	open := strings.Index(header, "(")
	end := strings.Index(header, ")")
	if open < 0 || end < open {
		return nil, fmt.Errorf("missing shape tuple in header %q", header)
	}
	var shape []int
	for _, part := range strings.Split(header[open+1:end], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad shape entry %q", part)
		}
		shape = append(shape, v)
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("empty shape in header %q", header)
	}
	return shape, nil
}
