// Package resample rescales arrays between voxel spacings. Intensity data
// uses separable cubic spline interpolation, label data uses pure
// nearest-neighbor lookup so no class value is ever invented. Neither path
// applies anti-aliasing, forward and reverse resampling stay symmetric.
package resample

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"segprep/pkg/volume"
)

// maxElements bounds the size of a resampled array so a corrupt spacing or
// shape is reported per-case instead of exhausting memory.
const maxElements = 1 << 31

// TargetShape computes the output shape for resampling from one spacing to
// another: round(spacing / target * shape) independently per axis, with
// spacing and shape given in the same (transposed) axis order.
func TargetShape(spacing, targetSpacing []float64, shape []int) ([]int, error) {
	if len(spacing) != len(shape) || len(targetSpacing) != len(shape) {
		return nil, fmt.Errorf("resample: spacing %v / target %v do not match shape %v", spacing, targetSpacing, shape)
	}
	out := make([]int, len(shape))
	total := 1
	for i := range shape {
		if targetSpacing[i] <= 0 || spacing[i] <= 0 {
			return nil, fmt.Errorf("resample: non-positive spacing on axis %d (%g -> %g)", i, spacing[i], targetSpacing[i])
		}
		out[i] = int(math.Round(spacing[i] / targetSpacing[i] * float64(shape[i])))
		if out[i] < 1 {
			return nil, fmt.Errorf("resample: axis %d collapses to %d voxels (shape %d, spacing %g -> %g)",
				i, out[i], shape[i], spacing[i], targetSpacing[i])
		}
		total *= out[i]
		if total > maxElements {
			return nil, fmt.Errorf("resample: target shape %v exceeds the element limit", out)
		}
	}
	return out, nil
}

// Resize rescales the array to outShape. Label arrays take the
// nearest-neighbor path, everything else the cubic path.
func Resize(a *volume.Array, outShape []int, isLabel bool) (*volume.Array, error) {
	if len(outShape) != a.NDim() {
		return nil, fmt.Errorf("resample: output rank %d does not match array rank %d", len(outShape), a.NDim())
	}
	total := 1
	for i, s := range outShape {
		if s < 1 {
			return nil, fmt.Errorf("resample: output shape %v has a non-positive entry on axis %d", outShape, i)
		}
		total *= s
		if total > maxElements {
			return nil, fmt.Errorf("resample: output shape %v exceeds the element limit", outShape)
		}
	}
	if volume.SameShape(a.Shape, outShape) {
		return a.Clone(), nil
	}
	if isLabel {
		return resizeNearest(a, outShape), nil
	}
	return resizeCubic(a, outShape)
}

// mapCoord maps output index i to the fractional input coordinate, aligning
// voxel centers of the two grids.
func mapCoord(i, nIn, nOut int) float64 {
	x := (float64(i)+0.5)*float64(nIn)/float64(nOut) - 0.5
	if x < 0 {
		return 0
	}
	if max := float64(nIn - 1); x > max {
		return max
	}
	return x
}

// resizeNearest gathers each output voxel from its nearest input voxel.
func resizeNearest(a *volume.Array, outShape []int) *volume.Array {
	out := volume.NewArray(outShape...)
	inStrides := volume.Strides(a.Shape)
	outStrides := volume.Strides(outShape)
	for flat := range out.Data {
		rem := flat
		src := 0
		for i := range outShape {
			coord := rem / outStrides[i]
			rem %= outStrides[i]
			src += int(math.Round(mapCoord(coord, a.Shape[i], outShape[i]))) * inStrides[i]
		}
		out.Data[flat] = a.Data[src]
	}
	return out
}

// resizeCubic rescales axis by axis, fitting a natural cubic spline along
// every line of the axis being changed.
func resizeCubic(a *volume.Array, outShape []int) (*volume.Array, error) {
	cur := a
	for axis := range outShape {
		if cur.Shape[axis] == outShape[axis] {
			continue
		}
		next, err := resizeAxis(cur, axis, outShape[axis])
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if cur == a {
		cur = a.Clone()
	}
	return cur, nil
}

func resizeAxis(a *volume.Array, axis, nOut int) (*volume.Array, error) {
	nIn := a.Shape[axis]
	outShape := append([]int(nil), a.Shape...)
	outShape[axis] = nOut
	out := volume.NewArray(outShape...)

	inStrides := volume.Strides(a.Shape)
	outStrides := volume.Strides(outShape)

	// Precompute the mapped input coordinate of every output sample.
	coords := make([]float64, nOut)
	for i := range coords {
		coords[i] = mapCoord(i, nIn, nOut)
	}

	xs := make([]float64, nIn)
	for i := range xs {
		xs[i] = float64(i)
	}
	ys := make([]float64, nIn)

	// Iterate over every line parallel to the axis.
	lines := a.Size() / nIn
	for line := 0; line < lines; line++ {
		// Decompose the line number over the non-axis dims to find the
		// base offsets in the source and destination arrays.
		rem := line
		srcBase, dstBase := 0, 0
		for i := len(a.Shape) - 1; i >= 0; i-- {
			if i == axis {
				continue
			}
			coord := rem % a.Shape[i]
			rem /= a.Shape[i]
			srcBase += coord * inStrides[i]
			dstBase += coord * outStrides[i]
		}

		for i := 0; i < nIn; i++ {
			ys[i] = a.Data[srcBase+i*inStrides[axis]]
		}
		if nIn == 1 {
			for i := 0; i < nOut; i++ {
				out.Data[dstBase+i*outStrides[axis]] = ys[0]
			}
			continue
		}
		var spline interp.NaturalCubic
		if err := spline.Fit(xs, ys); err != nil {
			return nil, fmt.Errorf("resample: fitting spline on axis %d: %w", axis, err)
		}
		for i := 0; i < nOut; i++ {
			v := spline.Predict(coords[i])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("resample: non-finite value interpolating axis %d", axis)
			}
			out.Data[dstBase+i*outStrides[axis]] = v
		}
	}
	return out, nil
}
