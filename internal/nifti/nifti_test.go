package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segprep/pkg/volume"
)

func testVolume(shape []int, spacing []float64) *volume.Volume {
	rng := rand.New(rand.NewSource(42))
	v := &volume.Volume{
		Array:       volume.NewArray(shape...),
		Spacing:     spacing,
		HeaderValid: true,
	}
	for i := range v.Data {
		v.Data[i] = float64(rng.Intn(1000)) / 4
	}
	for i := 0; i < 3 && i < len(spacing); i++ {
		v.Affine[i][i] = spacing[i]
	}
	v.Affine[3][3] = 1
	return v
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"case.nii", "case.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := testVolume([]int{7, 6, 5}, []float64{1, 1.5, 2})
			require.NoError(t, Save(path, want))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want.Shape, got.Shape)
			assert.InDeltaSlice(t, want.Spacing, got.Spacing, 1e-6)
			assert.True(t, got.HeaderValid)

			// float32 on disk, so compare with float32 precision
			require.Len(t, got.Data, len(want.Data))
			for i := range want.Data {
				assert.InDelta(t, want.Data[i], got.Data[i], 1e-3)
			}

			code, err := got.Orientation()
			require.NoError(t, err)
			assert.Equal(t, "RAS", code)
		})
	}
}

func TestSaveLoad2D(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slice.nii")
	want := testVolume([]int{9, 4}, []float64{0.5, 0.5})
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 4}, got.Shape)
}

func TestLoadInvalidHeaderGate(t *testing.T) {
	// A header with both transform codes zero must be loadable but marked
	// untrustworthy, so no reorientation is attempted downstream.
	path := filepath.Join(t.TempDir(), "headerless.nii")
	v := testVolume([]int{4, 4, 4}, []float64{1, 1, 1})
	v.HeaderValid = false
	require.NoError(t, Save(path, v))

	got, err := Load(path)
	require.NoError(t, err)
	assert.False(t, got.HeaderValid)
	// Fallback affine still encodes the spacing.
	assert.Equal(t, 1.0, got.Affine[0][0])
}

func TestLoadElementOrder(t *testing.T) {
	// NIfTI stores the first axis fastest; Array stores the last axis
	// fastest. Build a file where voxel (x,y,z) holds x + 10y + 100z and
	// verify indexing survives the order conversion.
	v := &volume.Volume{
		Array:   volume.NewArray(3, 4, 5),
		Spacing: []float64{1, 1, 1},
	}
	for x := 0; x < 3; x++ {
		for y := 0; y < 4; y++ {
			for z := 0; z < 5; z++ {
				v.Set(float64(x+10*y+100*z), x, y, z)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "order.nii")
	require.NoError(t, Save(path, v))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 212.0, got.At(2, 1, 2))
	assert.Equal(t, 430.0, got.At(0, 3, 4))
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.nii")
	require.NoError(t, os.WriteFile(short, []byte("bogus"), 0o644))
	_, err := Load(short)
	var hdrErr *HeaderError
	assert.ErrorAs(t, err, &hdrErr)

	// Correct length, wrong sizeof_hdr.
	junk := filepath.Join(dir, "junk.nii")
	require.NoError(t, os.WriteFile(junk, make([]byte, 400), 0o644))
	_, err = Load(junk)
	assert.ErrorAs(t, err, &hdrErr)
}

func TestLoadGzipDetection(t *testing.T) {
	// A .nii name with gzip content is read by sniffing, not by extension.
	path := filepath.Join(t.TempDir(), "misnamed.nii")
	v := testVolume([]int{4, 4}, []float64{1, 1})

	tmp := filepath.Join(t.TempDir(), "tmp.nii")
	require.NoError(t, Save(tmp, v))
	raw, err := os.ReadFile(tmp)
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, got.Shape)
}

func TestLoadScaledInt16(t *testing.T) {
	// Hand-build an int16 image with scl_slope/scl_inter applied on read.
	var hdr header
	hdr.SizeOfHdr = headerSize
	hdr.Magic = [4]byte{'n', '+', '1', 0}
	hdr.Datatype = dtInt16
	hdr.BitPix = 16
	hdr.VoxOffset = 352
	hdr.SclSlope = 2
	hdr.SclInter = 10
	hdr.Dim = [8]int16{2, 2, 2, 1, 1, 1, 1, 1}
	hdr.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	buf.Write(make([]byte, 4))
	for _, v := range []int16{-4, 1, 2, 3} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}

	path := filepath.Join(t.TempDir(), "scaled.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, got.Shape)
	// File order is x-fastest: (-4, 1) is the first column.
	assert.Equal(t, 2.0, got.At(0, 0))   // -4*2+10
	assert.Equal(t, 14.0, got.At(0, 1))  // 2*2+10
	assert.Equal(t, 12.0, got.At(1, 0))  // 1*2+10
	assert.Equal(t, 16.0, got.At(1, 1))  // 3*2+10
	assert.False(t, got.HeaderValid)
}
