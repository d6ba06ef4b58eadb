// Package plan loads and validates the preprocessing plan: the immutable
// configuration document describing how a dataset is normalized, reoriented,
// cropped and resampled. A plan is loaded once per run, validated up front,
// and read-only afterwards.
package plan

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"segprep/pkg/volume"
)

// ConfigurationError reports an unusable plan or runtime configuration.
// Unlike per-case errors it invalidates the whole run.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Reason, e.Err)
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ModalityStats holds the dataset-level intensity statistics of one
// modality, gathered by the planner over the raw training set.
type ModalityStats struct {
	Mean float64 `koanf:"mean" yaml:"mean"`
	Std  float64 `koanf:"std" yaml:"std"`
	Min  float64 `koanf:"min" yaml:"min"`
	Max  float64 `koanf:"max" yaml:"max"`
}

// DatasetProperties describes the dataset the plan was built for.
type DatasetProperties struct {
	// DataDimensions is the spatial rank of the dataset, 2 or 3.
	DataDimensions int `koanf:"data_dimensions" yaml:"data_dimensions"`

	// Classes is the full set of label values a segmentation may contain.
	Classes []float64 `koanf:"classes" yaml:"classes"`

	// Intensities holds per-modality statistics, indexed like the
	// normalization schemes.
	Intensities []ModalityStats `koanf:"intensities" yaml:"intensities"`
}

// Plan is the validated preprocessing configuration.
type Plan struct {
	Name string `koanf:"plans_name" yaml:"plans_name"`

	// NormalizationScheme names one scheme per modality.
	NormalizationScheme []string `koanf:"normalization_scheme" yaml:"normalization_scheme"`

	// TransposeForward permutes axes into training order after
	// normalization; TransposeBackward must be its inverse.
	TransposeForward  []int `koanf:"transpose_forward" yaml:"transpose_forward"`
	TransposeBackward []int `koanf:"transpose_backward" yaml:"transpose_backward"`

	// TargetSpacing is the voxel spacing to resample to. Empty means
	// "keep each case's own spacing".
	TargetSpacing []float64 `koanf:"target_spacing" yaml:"target_spacing"`

	// CropToNonzero enables cropping to the foreground bounding box.
	CropToNonzero bool `koanf:"crop_to_nonzero" yaml:"crop_to_nonzero"`

	// TargetCoordinateSystem is the orientation code volumes are
	// reoriented into, e.g. "RAS". Empty disables reorientation.
	TargetCoordinateSystem string `koanf:"target_coordinate_system" yaml:"target_coordinate_system"`

	DatasetProperties DatasetProperties `koanf:"dataset_properties" yaml:"dataset_properties"`

	// Schemes is the parsed form of NormalizationScheme, populated by
	// Validate.
	Schemes []NormScheme `koanf:"-" yaml:"-"`
}

// Load reads a YAML plan file into a validated Plan.
func Load(path string) (*Plan, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("plan file %s does not exist", path)}
		}
		return nil, &ConfigurationError{Reason: "reading plan file", Err: err}
	}
	var p Plan
	if err := k.Unmarshal("", &p); err != nil {
		return nil, &ConfigurationError{Reason: "malformed plan file", Err: err}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan once so access sites never have to. It also
// resolves the scheme names into their closed enum form.
func (p *Plan) Validate() error {
	dims := p.DatasetProperties.DataDimensions
	if dims != 2 && dims != 3 {
		return &ConfigurationError{Reason: fmt.Sprintf("data_dimensions must be 2 or 3, got %d", dims)}
	}
	if len(p.NormalizationScheme) == 0 {
		return &ConfigurationError{Reason: "normalization_scheme must name at least one modality"}
	}
	p.Schemes = make([]NormScheme, len(p.NormalizationScheme))
	for i, name := range p.NormalizationScheme {
		s, err := ParseNormScheme(name)
		if err != nil {
			return err
		}
		p.Schemes[i] = s
	}
	if len(p.DatasetProperties.Intensities) != len(p.NormalizationScheme) {
		return &ConfigurationError{Reason: fmt.Sprintf(
			"dataset_properties.intensities has %d entries for %d modalities",
			len(p.DatasetProperties.Intensities), len(p.NormalizationScheme))}
	}
	if len(p.DatasetProperties.Classes) == 0 {
		return &ConfigurationError{Reason: "dataset_properties.classes is empty"}
	}

	if err := checkTranspose(p.TransposeForward, dims); err != nil {
		return &ConfigurationError{Reason: "transpose_forward", Err: err}
	}
	if err := checkTranspose(p.TransposeBackward, dims); err != nil {
		return &ConfigurationError{Reason: "transpose_backward", Err: err}
	}
	inv := volume.InvertPermutation(p.TransposeForward)
	for i := range inv {
		if inv[i] != p.TransposeBackward[i] {
			return &ConfigurationError{Reason: fmt.Sprintf(
				"transpose_backward %v is not the inverse of transpose_forward %v",
				p.TransposeBackward, p.TransposeForward)}
		}
	}

	if len(p.TargetSpacing) != 0 && len(p.TargetSpacing) != dims {
		return &ConfigurationError{Reason: fmt.Sprintf(
			"target_spacing %v does not match data_dimensions %d", p.TargetSpacing, dims)}
	}
	for _, s := range p.TargetSpacing {
		if s <= 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("target_spacing %v has a non-positive entry", p.TargetSpacing)}
		}
	}

	if p.TargetCoordinateSystem != "" && !volume.ValidOrientation(p.TargetCoordinateSystem) {
		return &ConfigurationError{Reason: fmt.Sprintf(
			"target_coordinate_system %q is not a valid orientation code", p.TargetCoordinateSystem)}
	}
	return nil
}

func checkTranspose(perm []int, dims int) error {
	if len(perm) != dims {
		return fmt.Errorf("permutation %v does not match data_dimensions %d", perm, dims)
	}
	seen := make([]bool, dims)
	for _, v := range perm {
		if v < 0 || v >= dims || seen[v] {
			return fmt.Errorf("%v is not a permutation of 0..%d", perm, dims-1)
		}
		seen[v] = true
	}
	return nil
}

// HasLabel reports whether v is in the plan's declared class set.
func (p *Plan) HasLabel(v float64) bool {
	for _, c := range p.DatasetProperties.Classes {
		if c == v {
			return true
		}
	}
	return false
}
