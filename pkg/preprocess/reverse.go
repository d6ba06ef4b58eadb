package preprocess

import (
	"fmt"

	"segprep/pkg/resample"
	"segprep/pkg/volume"
)

// ReversePreprocessing maps network output back into the original volume
// canvas. predictions has shape (batch, classes, spatial...) matching the
// padded shape recorded during inference preprocessing; per batch item and
// class channel the pipeline undoes, in order, padding, resampling,
// transposition and cropping, driven entirely by the metadata record. Every
// step asserts the shape the record promised; a disagreement means the
// record and the prediction do not belong together and aborts the reversal.
//
// The returned canvas has shape (batch, classes, uncropped spatial...), in
// the volume's pre-crop frame. Re-applying the original affine and writing
// a file is the caller's job.
func (p *Preprocessor) ReversePreprocessing(predictions *volume.Array, props *ImageProperties) (*volume.Array, error) {
	spatial := len(props.UncroppedShape)
	if predictions.NDim() != spatial+2 {
		return nil, fmt.Errorf("preprocess: predictions must be (batch, classes, spatial...), got shape %v for %dD data",
			predictions.Shape, spatial)
	}
	batch, classes := predictions.Shape[0], predictions.Shape[1]
	chanShape := predictions.Shape[2:]
	chanSize := volume.NumElements(chanShape)

	if len(props.Padding) > 0 && !volume.SameShape(chanShape, props.PaddedShape) {
		return nil, &GeometryInversionError{Stage: StagePadding, Want: props.PaddedShape, Got: chanShape}
	}

	canvasShape := append([]int{batch, classes}, props.UncroppedShape...)
	canvas := volume.NewArray(canvasShape...)
	canvasChanSize := volume.NumElements(props.UncroppedShape)

	backward := p.plan.TransposeBackward
	croppedT := permuteInts(props.CroppedShape, p.plan.TransposeForward)

	for b := 0; b < batch; b++ {
		for c := 0; c < classes; c++ {
			offset := (b*classes + c) * chanSize
			img := &volume.Array{
				Data:  predictions.Data[offset : offset+chanSize],
				Shape: chanShape,
			}

			var err error
			if len(props.Padding) > 0 {
				if img, err = volume.StripPad(img, props.Padding); err != nil {
					return nil, err
				}
			}
			if !volume.SameShape(img.Shape, props.ResampledTransposedShape) {
				return nil, &GeometryInversionError{Stage: StageResampling, Want: props.ResampledTransposedShape, Got: img.Shape}
			}

			if img, err = resample.Resize(img, croppedT, false); err != nil {
				return nil, err
			}
			if img, err = volume.Transpose(img, backward); err != nil {
				return nil, err
			}
			if !volume.SameShape(img.Shape, props.CroppedShape) {
				return nil, &GeometryInversionError{Stage: StageCropping, Want: props.CroppedShape, Got: img.Shape}
			}

			if props.CropToNonzero {
				if img, err = volume.Reseat(img, props.NonzeroBox, props.UncroppedShape); err != nil {
					return nil, err
				}
			}
			dst := (b*classes + c) * canvasChanSize
			copy(canvas.Data[dst:dst+canvasChanSize], img.Data)
		}
	}
	return canvas, nil
}
