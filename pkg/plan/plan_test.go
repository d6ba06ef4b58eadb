package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlanYAML = `
plans_name: unit
normalization_scheme: [standardize, no_norm]
transpose_forward: [0, 1, 2]
transpose_backward: [0, 1, 2]
target_spacing: [1.0, 1.0, 2.0]
crop_to_nonzero: true
target_coordinate_system: RAS
dataset_properties:
  data_dimensions: 3
  classes: [0, 1, 2]
  intensities:
    - {mean: 100.0, std: 20.0, min: 0.0, max: 900.0}
    - {mean: 0.5, std: 0.1, min: 0.0, max: 1.0}
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	p, err := Load(writePlan(t, validPlanYAML))
	require.NoError(t, err)

	assert.Equal(t, "unit", p.Name)
	assert.Equal(t, []NormScheme{NormStandardize, NormNone}, p.Schemes)
	assert.Equal(t, []float64{1, 1, 2}, p.TargetSpacing)
	assert.True(t, p.CropToNonzero)
	assert.Equal(t, "RAS", p.TargetCoordinateSystem)
	assert.Equal(t, 20.0, p.DatasetProperties.Intensities[0].Std)
	assert.True(t, p.HasLabel(2))
	assert.False(t, p.HasLabel(3))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidate(t *testing.T) {
	base := func() *Plan {
		return &Plan{
			NormalizationScheme:    []string{"no_norm"},
			TransposeForward:       []int{0, 1, 2},
			TransposeBackward:      []int{0, 1, 2},
			TargetCoordinateSystem: "RAS",
			DatasetProperties: DatasetProperties{
				DataDimensions: 3,
				Classes:        []float64{0, 1},
				Intensities:    []ModalityStats{{}},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("unknown scheme", func(t *testing.T) {
		p := base()
		p.NormalizationScheme = []string{"winsorize"}
		err := p.Validate()
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "winsorize")
	})

	t.Run("backward transpose not inverse", func(t *testing.T) {
		p := base()
		p.TransposeForward = []int{1, 2, 0}
		p.TransposeBackward = []int{1, 2, 0}
		assert.Error(t, p.Validate())
	})

	t.Run("bad transpose permutation", func(t *testing.T) {
		p := base()
		p.TransposeForward = []int{0, 0, 1}
		assert.Error(t, p.Validate())
	})

	t.Run("bad dimensions", func(t *testing.T) {
		p := base()
		p.DatasetProperties.DataDimensions = 4
		assert.Error(t, p.Validate())
	})

	t.Run("intensity stats count mismatch", func(t *testing.T) {
		p := base()
		p.DatasetProperties.Intensities = nil
		assert.Error(t, p.Validate())
	})

	t.Run("empty classes", func(t *testing.T) {
		p := base()
		p.DatasetProperties.Classes = nil
		assert.Error(t, p.Validate())
	})

	t.Run("bad orientation code", func(t *testing.T) {
		p := base()
		p.TargetCoordinateSystem = "RAX"
		assert.Error(t, p.Validate())
	})

	t.Run("empty target spacing keeps original", func(t *testing.T) {
		p := base()
		p.TargetSpacing = nil
		assert.NoError(t, p.Validate())
	})

	t.Run("negative target spacing", func(t *testing.T) {
		p := base()
		p.TargetSpacing = []float64{1, -1, 1}
		assert.Error(t, p.Validate())
	})
}

func TestParseNormScheme(t *testing.T) {
	for name, want := range map[string]NormScheme{
		"no_norm":      NormNone,
		"standardize":  NormStandardize,
		"volume_znorm": NormVolumeZScore,
		"minmax":       NormMinMax,
	} {
		s, err := ParseNormScheme(name)
		require.NoError(t, err)
		assert.Equal(t, want, s)
		assert.Equal(t, name, s.String())
	}

	_, err := ParseNormScheme("histogram_eq")
	assert.Error(t, err)
}
