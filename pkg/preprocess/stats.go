package preprocess

import (
	"segprep/pkg/volume"
)

// foregroundStride keeps only every n-th foreground coordinate; the patch
// sampler needs a sparse sample, not the full set.
const foregroundStride = 10

// foregroundLocations returns a regular subsample of the coordinates of all
// nonzero voxels in the final label array.
func foregroundLocations(label *volume.Array) [][]int {
	var locs [][]int
	strides := volume.Strides(label.Shape)
	count := 0
	for flat, v := range label.Data {
		if v == 0 {
			continue
		}
		if count%foregroundStride == 0 {
			idx := make([]int, label.NDim())
			rem := flat
			for i := range idx {
				idx[i] = rem / strides[i]
				rem %= strides[i]
			}
			locs = append(locs, idx)
		}
		count++
	}
	return locs
}

// connectedComponents labels the foreground of the final label array under
// full adjacency (26-connectivity in 3D, 8 in 2D) and returns the component
// count and per-component physical sizes: voxel count times the product of
// the target spacing.
func connectedComponents(label *volume.Array, spacing []float64) (int, []float64) {
	voxelVolume := 1.0
	for _, s := range spacing {
		voxelVolume *= s
	}

	visited := make([]bool, label.Size())
	strides := volume.Strides(label.Shape)
	ndim := label.NDim()
	neighbors := neighborOffsets(ndim)

	var sizes []float64
	queue := make([]int, 0, 1024)
	idx := make([]int, ndim)
	for seed, v := range label.Data {
		if v == 0 || visited[seed] {
			continue
		}
		// Flood fill one component.
		visited[seed] = true
		queue = append(queue[:0], seed)
		voxels := 0
		for len(queue) > 0 {
			cur := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			voxels++

			rem := cur
			for i := range idx {
				idx[i] = rem / strides[i]
				rem %= strides[i]
			}
			for _, off := range neighbors {
				next := cur
				ok := true
				for i, d := range off {
					c := idx[i] + d
					if c < 0 || c >= label.Shape[i] {
						ok = false
						break
					}
					next += d * strides[i]
				}
				if ok && !visited[next] && label.Data[next] != 0 {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		sizes = append(sizes, float64(voxels)*voxelVolume)
	}
	return len(sizes), sizes
}

// neighborOffsets enumerates the full neighborhood of a voxel: all
// {-1,0,1}^ndim offsets except the origin.
func neighborOffsets(ndim int) [][]int {
	total := 1
	for i := 0; i < ndim; i++ {
		total *= 3
	}
	offsets := make([][]int, 0, total-1)
	for k := 0; k < total; k++ {
		off := make([]int, ndim)
		rem := k
		zero := true
		for i := 0; i < ndim; i++ {
			off[i] = rem%3 - 1
			rem /= 3
			if off[i] != 0 {
				zero = false
			}
		}
		if !zero {
			offsets = append(offsets, off)
		}
	}
	return offsets
}
