// Package volume provides the N-dimensional array type used throughout the
// preprocessing pipeline together with the stateless geometry primitives that
// operate on it: transposition, foreground bounding boxes, cropping and
// re-seating, padding, and orientation handling.
//
// Arrays are 2D or 3D, stored flat in row-major (C) order. All operations
// return new arrays and never mutate their input.
package volume

import (
	"fmt"
)

// Array is an N-dimensional array stored as a flat float64 slice in
// row-major order. The last axis varies fastest.
type Array struct {
	Data  []float64
	Shape []int
}

// NewArray allocates a zero-filled array with the given shape.
func NewArray(shape ...int) *Array {
	return &Array{
		Data:  make([]float64, NumElements(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NumElements returns the number of elements implied by shape.
func NumElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Strides returns the row-major strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// SameShape reports whether the two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the array.
func (a *Array) Clone() *Array {
	out := &Array{
		Data:  make([]float64, len(a.Data)),
		Shape: append([]int(nil), a.Shape...),
	}
	copy(out.Data, a.Data)
	return out
}

// NDim returns the number of axes.
func (a *Array) NDim() int { return len(a.Shape) }

// Size returns the total number of elements.
func (a *Array) Size() int { return len(a.Data) }

// At returns the element at the given multi-index. Intended for tests and
// low-volume access; hot loops index Data directly.
func (a *Array) At(idx ...int) float64 {
	return a.Data[a.flatIndex(idx)]
}

// Set assigns the element at the given multi-index.
func (a *Array) Set(v float64, idx ...int) {
	a.Data[a.flatIndex(idx)] = v
}

func (a *Array) flatIndex(idx []int) int {
	if len(idx) != len(a.Shape) {
		panic(fmt.Sprintf("volume: index rank %d does not match array rank %d", len(idx), len(a.Shape)))
	}
	flat := 0
	for i, s := range Strides(a.Shape) {
		flat += idx[i] * s
	}
	return flat
}

// Transpose permutes the axes of a so that output axis i takes input axis
// perm[i]. perm must be a permutation of 0..NDim-1.
func Transpose(a *Array, perm []int) (*Array, error) {
	if err := checkPermutation(perm, a.NDim()); err != nil {
		return nil, err
	}
	outShape := make([]int, a.NDim())
	for i, p := range perm {
		outShape[i] = a.Shape[p]
	}
	out := NewArray(outShape...)
	inStrides := Strides(a.Shape)
	outStrides := Strides(outShape)

	// For every output element, translate its output stride decomposition
	// back into the source flat offset.
	srcStride := make([]int, a.NDim())
	for i, p := range perm {
		srcStride[i] = inStrides[p]
	}
	for flat := range out.Data {
		rem := flat
		src := 0
		for i := 0; i < len(outShape); i++ {
			coord := rem / outStrides[i]
			rem %= outStrides[i]
			src += coord * srcStride[i]
		}
		out.Data[flat] = a.Data[src]
	}
	return out, nil
}

// InvertPermutation returns the permutation that undoes perm.
func InvertPermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

func checkPermutation(perm []int, ndim int) error {
	if len(perm) != ndim {
		return fmt.Errorf("volume: permutation %v does not match rank %d", perm, ndim)
	}
	seen := make([]bool, ndim)
	for _, p := range perm {
		if p < 0 || p >= ndim || seen[p] {
			return fmt.Errorf("volume: %v is not a permutation of 0..%d", perm, ndim-1)
		}
		seen[p] = true
	}
	return nil
}

// flip reverses the array along the given axis.
func flip(a *Array, axis int) *Array {
	out := NewArray(a.Shape...)
	strides := Strides(a.Shape)
	n := a.Shape[axis]
	for flat := range a.Data {
		coord := (flat / strides[axis]) % n
		dst := flat + (n-1-2*coord)*strides[axis]
		out.Data[dst] = a.Data[flat]
	}
	return out
}
