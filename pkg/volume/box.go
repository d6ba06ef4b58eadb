package volume

import "fmt"

// Box is an axis-aligned bounding box given as per-axis half-open
// [start, end) intervals.
type Box [][2]int

// Shape returns the per-axis extent of the box.
func (b Box) Shape() []int {
	shape := make([]int, len(b))
	for i, iv := range b {
		shape[i] = iv[1] - iv[0]
	}
	return shape
}

// ForegroundBox returns the smallest box containing every voxel whose value
// differs from background. If no such voxel exists, the box is empty
// (start == end on every axis).
func ForegroundBox(a *Array, background float64) Box {
	ndim := a.NDim()
	box := make(Box, ndim)
	for i := range box {
		box[i] = [2]int{a.Shape[i], -1}
	}
	strides := Strides(a.Shape)
	for flat, v := range a.Data {
		if v == background {
			continue
		}
		for i := 0; i < ndim; i++ {
			coord := (flat / strides[i]) % a.Shape[i]
			if coord < box[i][0] {
				box[i][0] = coord
			}
			if coord >= box[i][1] {
				box[i][1] = coord + 1
			}
		}
	}
	for i := range box {
		if box[i][1] == -1 { // all background
			box[i] = [2]int{0, 0}
		}
	}
	return box
}

// CropToBox slices the array down to the given box.
func CropToBox(a *Array, box Box) (*Array, error) {
	if len(box) != a.NDim() {
		return nil, fmt.Errorf("volume: box rank %d does not match array rank %d", len(box), a.NDim())
	}
	for i, iv := range box {
		if iv[0] < 0 || iv[1] > a.Shape[i] || iv[0] > iv[1] {
			return nil, fmt.Errorf("volume: box %v out of bounds for shape %v on axis %d", box, a.Shape, i)
		}
	}
	out := NewArray(box.Shape()...)
	copyRegion(out, a, box, false)
	return out, nil
}

// Reseat is the inverse of CropToBox: it places the array into a
// zero-initialized canvas of canvasShape at the offsets recorded in box.
func Reseat(a *Array, box Box, canvasShape []int) (*Array, error) {
	if len(box) != a.NDim() || len(canvasShape) != a.NDim() {
		return nil, fmt.Errorf("volume: box/canvas rank does not match array rank %d", a.NDim())
	}
	if !SameShape(box.Shape(), a.Shape) {
		return nil, fmt.Errorf("volume: box shape %v does not match array shape %v", box.Shape(), a.Shape)
	}
	for i, iv := range box {
		if iv[0] < 0 || iv[1] > canvasShape[i] {
			return nil, fmt.Errorf("volume: box %v out of bounds for canvas %v on axis %d", box, canvasShape, i)
		}
	}
	out := NewArray(canvasShape...)
	copyRegion(out, a, box, true)
	return out, nil
}

// copyRegion copies the box-shaped region between a cropped array and the
// full-size array. If toCanvas is set, small is written into big at the box
// offsets, otherwise the box region of big is read into small.
func copyRegion(dst, src *Array, box Box, toCanvas bool) {
	small, big := dst, src
	if toCanvas {
		small, big = src, dst
	}
	smallStrides := Strides(small.Shape)
	bigStrides := Strides(big.Shape)
	for flat := range small.Data {
		bigFlat := 0
		rem := flat
		for i := 0; i < len(box); i++ {
			coord := rem / smallStrides[i]
			rem %= smallStrides[i]
			bigFlat += (coord + box[i][0]) * bigStrides[i]
		}
		if toCanvas {
			big.Data[bigFlat] = small.Data[flat]
		} else {
			small.Data[flat] = big.Data[bigFlat]
		}
	}
}

// PadToSize pads the array with zeros up to target and returns the per-axis
// (before, after) pad widths needed to undo it. Padding is symmetric; an odd
// remainder goes to the trailing side. target must dominate the current
// shape on every axis, shrinking is never allowed.
func PadToSize(a *Array, target []int) (*Array, [][2]int, error) {
	if len(target) != a.NDim() {
		return nil, nil, fmt.Errorf("volume: pad target rank %d does not match array rank %d", len(target), a.NDim())
	}
	pad := make([][2]int, a.NDim())
	box := make(Box, a.NDim())
	for i, t := range target {
		diff := t - a.Shape[i]
		if diff < 0 {
			return nil, nil, fmt.Errorf("volume: pad target %v is smaller than shape %v on axis %d", target, a.Shape, i)
		}
		pad[i] = [2]int{diff / 2, diff - diff/2}
		box[i] = [2]int{pad[i][0], pad[i][0] + a.Shape[i]}
	}
	out, err := Reseat(a, box, target)
	if err != nil {
		return nil, nil, err
	}
	return out, pad, nil
}

// StripPad removes the given pad widths, recovering the array that was
// passed to PadToSize.
func StripPad(a *Array, pad [][2]int) (*Array, error) {
	if len(pad) != a.NDim() {
		return nil, fmt.Errorf("volume: pad rank %d does not match array rank %d", len(pad), a.NDim())
	}
	box := make(Box, a.NDim())
	for i, p := range pad {
		box[i] = [2]int{p[0], a.Shape[i] - p[1]}
	}
	return CropToBox(a, box)
}
