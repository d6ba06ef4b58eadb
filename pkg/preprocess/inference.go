package preprocess

import (
	"fmt"

	"segprep/internal/nifti"
	"segprep/pkg/plan"
	"segprep/pkg/volume"
)

// PreprocessCaseForInference applies the training-time geometric and
// intensity pipeline to a case without a label, then pads the result up to
// patchSize. It returns a network-ready tensor of shape
// (1, channels, spatial...) and the fully populated metadata record that
// ReversePreprocessing consumes. Reorientation follows the same
// header-validity gate as training.
func (p *Preprocessor) PreprocessCaseForInference(imagePaths []string, patchSize []int) (*volume.Array, *ImageProperties, error) {
	if len(imagePaths) == 0 {
		return nil, nil, &MissingDataError{Case: "inference", Dir: ""}
	}

	images := make([]*volume.Volume, len(imagePaths))
	var err error
	for i, path := range imagePaths {
		if images[i], err = nifti.Load(path); err != nil {
			return nil, nil, err
		}
	}
	if p.validate {
		if err := p.checkCaseConsistency("inference", images, nil); err != nil {
			return nil, nil, err
		}
	}
	if nd := images[0].NDim(); nd != 2 && nd != 3 {
		return nil, nil, fmt.Errorf("preprocess: images must be 2D or 3D, got %dD", nd)
	}

	props := &ImageProperties{
		ImageFiles:      imagePaths,
		OriginalSpacing: append([]float64(nil), images[0].Spacing...),
		OriginalShape:   append([]int(nil), images[0].Shape...),
		CropToNonzero:   p.plan.CropToNonzero,
		Affine:          images[0].Affine,
		QForm:           images[0].QForm,
		SForm:           images[0].SForm,
	}

	targetSpacing := p.plan.TargetSpacing
	if len(targetSpacing) == 0 {
		targetSpacing = props.OriginalSpacing
	}

	arrays, _, err := p.reorientCase(images, nil, props)
	if err != nil {
		return nil, nil, err
	}
	if !props.Reoriented {
		p.log.Info("insufficient header information, reorientation will not be attempted")
	}

	props.UncroppedShape = append([]int(nil), arrays[0].Shape...)
	if p.plan.CropToNonzero {
		box := volume.ForegroundBox(arrays[0], 0)
		for i := range arrays {
			if arrays[i], err = volume.CropToBox(arrays[i], box); err != nil {
				return nil, nil, err
			}
		}
		props.NonzeroBox = box
	}
	props.CroppedShape = append([]int(nil), arrays[0].Shape...)

	arrays, _, err = p.resampleAndNormalizeCase(arrays, nil, props.OriginalSpacing, targetSpacing)
	if err != nil {
		return nil, nil, err
	}
	props.ResampledTransposedShape = append([]int(nil), arrays[0].Shape...)

	var padding [][2]int
	for i := range arrays {
		if arrays[i], padding, err = volume.PadToSize(arrays[i], patchSize); err != nil {
			// An undersized patch target invalidates the whole run, not
			// just this case.
			return nil, nil, &plan.ConfigurationError{Reason: "padding to patch size", Err: err}
		}
	}
	props.PaddedShape = append([]int(nil), arrays[0].Shape...)
	props.Padding = padding

	props.NewSpacing = permuteFloats(targetSpacing, p.plan.TransposeForward)
	props.NewShape = append([]int(nil), arrays[0].Shape...)

	stacked := stackChannels(arrays)
	batched := &volume.Array{
		Data:  stacked.Data,
		Shape: append([]int{1}, stacked.Shape...),
	}
	return batched, props, nil
}
