// Package normalize maps intensity arrays through the plan's normalization
// schemes. Normalization applies to intensity modalities only; label arrays
// take the nearest-neighbor resampling path and are never normalized.
package normalize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"segprep/pkg/plan"
	"segprep/pkg/volume"
)

// Apply returns a normalized copy of the intensity array. The input is
// never mutated. stats supplies the dataset-level statistics used by the
// standardize scheme.
func Apply(a *volume.Array, scheme plan.NormScheme, stats plan.ModalityStats) (*volume.Array, error) {
	out := a.Clone()
	switch scheme {
	case plan.NormNone:
		return out, nil

	case plan.NormStandardize:
		if stats.Std == 0 {
			return nil, &plan.ConfigurationError{Reason: fmt.Sprintf(
				"standardize scheme requires a nonzero dataset std, got mean=%g std=%g", stats.Mean, stats.Std)}
		}
		shift(out.Data, stats.Mean, stats.Std)
		return out, nil

	case plan.NormVolumeZScore:
		mean := stat.Mean(out.Data, nil)
		std := stat.StdDev(out.Data, nil)
		if std == 0 || math.IsNaN(std) {
			// Constant volume: center it, nothing to scale.
			shift(out.Data, mean, 1)
			return out, nil
		}
		shift(out.Data, mean, std)
		return out, nil

	case plan.NormMinMax:
		lo, hi := floats.Min(out.Data), floats.Max(out.Data)
		if hi == lo {
			shift(out.Data, lo, 1)
			return out, nil
		}
		shift(out.Data, lo, hi-lo)
		return out, nil
	}
	return nil, &plan.ConfigurationError{Reason: fmt.Sprintf("unhandled normalization scheme %v", scheme)}
}

func shift(data []float64, offset, scale float64) {
	for i := range data {
		data[i] = (data[i] - offset) / scale
	}
}
