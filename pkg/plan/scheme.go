package plan

import "fmt"

// NormScheme identifies one of the known normalization schemes. The set is
// closed: scheme names in a plan are resolved to this enum during
// validation, and an unknown name is a configuration error before any file
// is touched.
type NormScheme int

const (
	// NormNone passes intensities through unchanged.
	NormNone NormScheme = iota

	// NormStandardize applies a z-score using the dataset-level mean and
	// std of the modality, taken from the plan.
	NormStandardize

	// NormVolumeZScore applies a z-score using the mean and std of the
	// volume being normalized.
	NormVolumeZScore

	// NormMinMax rescales the volume to [0, 1] by its own min and max.
	NormMinMax
)

var schemeNames = map[string]NormScheme{
	"no_norm":      NormNone,
	"standardize":  NormStandardize,
	"volume_znorm": NormVolumeZScore,
	"minmax":       NormMinMax,
}

// ParseNormScheme resolves a scheme name from a plan file.
func ParseNormScheme(name string) (NormScheme, error) {
	if s, ok := schemeNames[name]; ok {
		return s, nil
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown normalization scheme %q", name)}
}

func (s NormScheme) String() string {
	for name, v := range schemeNames {
		if v == s {
			return name
		}
	}
	return fmt.Sprintf("NormScheme(%d)", int(s))
}
