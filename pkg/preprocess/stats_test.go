package preprocess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segprep/pkg/volume"
)

func TestWriteReadNpy(t *testing.T) {
	a := volume.NewArray(2, 3, 4)
	for i := range a.Data {
		a.Data[i] = float64(i) * 0.5
	}
	path := filepath.Join(t.TempDir(), "case.npy")
	require.NoError(t, WriteNpy(path, a))

	back, err := ReadNpy(path)
	require.NoError(t, err)
	assert.Equal(t, a.Shape, back.Shape)
	assert.Equal(t, a.Data, back.Data)

	// Header block must be 64-byte aligned for memory mapping.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	headerLen := int(raw[8]) | int(raw[9])<<8
	assert.Zero(t, (10+headerLen)%64)
}

func TestWriteNpy1D(t *testing.T) {
	a := volume.NewArray(5)
	path := filepath.Join(t.TempDir(), "vec.npy")
	require.NoError(t, WriteNpy(path, a))
	back, err := ReadNpy(path)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, back.Shape)
}

func TestReadNpyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npy")
	require.NoError(t, os.WriteFile(path, []byte("not numpy data"), 0o644))
	_, err := ReadNpy(path)
	assert.Error(t, err)
}

func TestPropertiesRoundTrip(t *testing.T) {
	props := &ImageProperties{
		ImageFiles:               []string{"a.nii.gz"},
		LabelFile:                "l.nii.gz",
		OriginalSpacing:          []float64{1, 1, 2},
		OriginalShape:            []int{10, 10, 5},
		Reoriented:               true,
		OriginalOrientation:      "LPS",
		FinalOrientation:         "RAS",
		UncroppedShape:           []int{10, 10, 5},
		CropToNonzero:            true,
		NonzeroBox:               volume.Box{{1, 9}, {0, 10}, {2, 5}},
		CroppedShape:             []int{8, 10, 3},
		ResampledTransposedShape: []int{8, 10, 6},
		NewSpacing:               []float64{1, 1, 1},
		NewShape:                 []int{8, 10, 6},
		ForegroundLocations:      [][]int{{1, 2, 3}},
		ComponentCount:           1,
		ComponentSizes:           []float64{12},
	}
	path := filepath.Join(t.TempDir(), "case.yaml")
	require.NoError(t, props.Save(path))

	back, err := LoadProperties(path)
	require.NoError(t, err)
	assert.Equal(t, props, back)
}

func TestForegroundLocations(t *testing.T) {
	label := volume.NewArray(4, 4, 4)
	// 25 foreground voxels; subsampling keeps every 10th.
	n := 0
	for i := range label.Data {
		if n == 25 {
			break
		}
		label.Data[i] = 1
		n++
	}
	locs := foregroundLocations(label)
	require.Len(t, locs, 3)
	assert.Equal(t, []int{0, 0, 0}, locs[0])
	for _, loc := range locs {
		assert.EqualValues(t, 1, label.At(loc...))
	}
}

func TestConnectedComponents(t *testing.T) {
	label := volume.NewArray(8, 8, 8)
	// Two blocks separated by more than one voxel.
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				label.Set(1, x, y, z)
				label.Set(2, x+5, y+5, z+5)
			}
		}
	}
	count, sizes := connectedComponents(label, []float64{2, 1, 1})
	assert.Equal(t, 2, count)
	require.Len(t, sizes, 2)
	assert.InDelta(t, 16.0, sizes[0], 1e-9)
	assert.InDelta(t, 16.0, sizes[1], 1e-9)
}

func TestConnectedComponentsDiagonalTouch(t *testing.T) {
	// Corner contact merges under full adjacency.
	label := volume.NewArray(4, 4, 4)
	label.Set(1, 1, 1, 1)
	label.Set(1, 2, 2, 2)
	count, sizes := connectedComponents(label, []float64{1, 1, 1})
	assert.Equal(t, 1, count)
	assert.Equal(t, []float64{2}, sizes)
}

func TestConnectedComponentsEmpty(t *testing.T) {
	label := volume.NewArray(3, 3, 3)
	count, sizes := connectedComponents(label, []float64{1, 1, 1})
	assert.Zero(t, count)
	assert.Empty(t, sizes)
}
