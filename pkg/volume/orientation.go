package volume

import (
	"fmt"
	"math"
)

// An orientation code names, for each array axis, the anatomical direction
// in which that axis increases: R/L (right/left), A/P (anterior/posterior)
// and S/I (superior/inferior). "RAS" is the usual neuroimaging target frame.

// opposite maps each anatomical direction letter to its inverse.
var opposite = map[byte]byte{
	'R': 'L', 'L': 'R',
	'A': 'P', 'P': 'A',
	'S': 'I', 'I': 'S',
}

// positiveLabel[i] is the direction letter of the positive world axis i.
var positiveLabel = [3]byte{'R', 'A', 'S'}

// ValidOrientation reports whether code is a well-formed 3D orientation
// code: three letters, one per anatomical axis pair.
func ValidOrientation(code string) bool {
	if len(code) != 3 {
		return false
	}
	var seen [3]bool
	for i := 0; i < 3; i++ {
		axis := letterAxis(code[i])
		if axis < 0 || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}

func letterAxis(c byte) int {
	switch c {
	case 'R', 'L':
		return 0
	case 'A', 'P':
		return 1
	case 'S', 'I':
		return 2
	}
	return -1
}

// OrientationFromAffine derives the orientation code of a 3D volume from
// its voxel-to-world affine: for each voxel axis, the dominant world
// direction of the corresponding affine column.
func OrientationFromAffine(affine [4][4]float64) (string, error) {
	code := make([]byte, 3)
	used := [3]bool{}
	for col := 0; col < 3; col++ {
		best, bestAbs := -1, 0.0
		for row := 0; row < 3; row++ {
			if used[row] {
				continue
			}
			if abs := math.Abs(affine[row][col]); abs > bestAbs {
				best, bestAbs = row, abs
			}
		}
		if best < 0 || bestAbs == 0 {
			return "", fmt.Errorf("volume: affine is degenerate, cannot derive orientation")
		}
		used[best] = true
		if affine[best][col] > 0 {
			code[col] = positiveLabel[best]
		} else {
			code[col] = opposite[positiveLabel[best]]
		}
	}
	return string(code), nil
}

// AxisTransform computes the axis permutation and per-axis flips that map a
// volume from orientation `from` to orientation `to`. Output axis i is taken
// from input axis perm[i], reversed when flip[i] is set.
func AxisTransform(from, to string) (perm []int, flip []bool, err error) {
	if !ValidOrientation(from) || !ValidOrientation(to) {
		return nil, nil, fmt.Errorf("volume: invalid orientation pair %q -> %q", from, to)
	}
	perm = make([]int, 3)
	flip = make([]bool, 3)
	for i := 0; i < 3; i++ {
		found := false
		for j := 0; j < 3; j++ {
			if from[j] == to[i] {
				perm[i], flip[i], found = j, false, true
				break
			}
			if from[j] == opposite[to[i]] {
				perm[i], flip[i], found = j, true, true
				break
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("volume: orientations %q and %q do not share axis %c", from, to, to[i])
		}
	}
	return perm, flip, nil
}

// Reorient applies the minimal permutation and flips taking the array from
// orientation `from` to orientation `to`. The operation is its own exact
// inverse: Reorient(Reorient(a, A, B), B, A) reproduces a bit for bit.
func Reorient(a *Array, from, to string) (*Array, error) {
	if a.NDim() != 3 {
		return nil, fmt.Errorf("volume: reorientation requires a 3D array, got rank %d", a.NDim())
	}
	perm, flips, err := AxisTransform(from, to)
	if err != nil {
		return nil, err
	}
	out, err := Transpose(a, perm)
	if err != nil {
		return nil, err
	}
	for axis, f := range flips {
		if f {
			out = flip(out, axis)
		}
	}
	return out, nil
}
