package preprocess

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"segprep/pkg/volume"
)

// ImageProperties is the per-case metadata record accumulated during
// preprocessing. During training it is persisted next to the case array;
// during inference it is handed to ReversePreprocessing, which derives the
// complete inverse mapping from this record alone, never from the data.
type ImageProperties struct {
	ImageFiles []string `yaml:"image_files,omitempty"`
	LabelFile  string   `yaml:"label_file,omitempty"`

	OriginalSpacing []float64 `yaml:"original_spacing"`
	OriginalShape   []int     `yaml:"original_shape"`

	// Reoriented records whether the header-validity gate allowed
	// reorientation; the orientation fields hold whatever actually applied.
	Reoriented          bool   `yaml:"reoriented"`
	OriginalOrientation string `yaml:"original_orientation,omitempty"`
	FinalOrientation    string `yaml:"final_orientation,omitempty"`

	// UncroppedShape is the shape after reorientation, before cropping:
	// the canvas the reverse pipeline re-seats into.
	UncroppedShape []int `yaml:"uncropped_shape"`

	CropToNonzero bool       `yaml:"crop_to_nonzero"`
	NonzeroBox    volume.Box `yaml:"nonzero_box,omitempty"`
	CroppedShape  []int      `yaml:"cropped_shape"`

	ResampledTransposedShape []int `yaml:"resampled_transposed_shape"`

	PaddedShape []int    `yaml:"padded_shape,omitempty"`
	Padding     [][2]int `yaml:"padding,omitempty"`

	NewSpacing []float64 `yaml:"new_spacing"`
	NewShape   []int     `yaml:"new_shape"`

	// Header transforms, kept so a prediction can be written back in the
	// original header space by the serving side.
	Affine [4][4]float64 `yaml:"affine"`
	QForm  [4][4]float64 `yaml:"qform"`
	SForm  [4][4]float64 `yaml:"sform"`

	// Training-only foreground statistics for the patch sampler.
	ForegroundLocations [][]int   `yaml:"foreground_locations,omitempty"`
	ComponentCount      int       `yaml:"n_components"`
	ComponentSizes      []float64 `yaml:"component_sizes,omitempty"`
}

// Save writes the record as a YAML sidecar file.
func (p *ImageProperties) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("preprocess: encoding properties: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadProperties reads a record written by Save.
func LoadProperties(path string) (*ImageProperties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p ImageProperties
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("preprocess: decoding properties %s: %w", path, err)
	}
	return &p, nil
}
