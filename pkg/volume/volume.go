package volume

// Volume couples an intensity or label array with the spatial geometry read
// from its file header. Multiple modality volumes of one case are expected
// to share shape, spacing and orientation; the preprocessor validates this
// rather than assuming it.
type Volume struct {
	*Array

	// Spacing is the physical voxel size per array axis, in mm.
	Spacing []float64

	// Affine maps voxel indices to world coordinates.
	Affine [4][4]float64

	// QForm and SForm are the raw header transforms, retained so a
	// prediction can later be written back in the original header space.
	QForm [4][4]float64
	SForm [4][4]float64

	// HeaderValid reports whether at least one of the qform/sform codes
	// marked the header transform as trustworthy. When false the volume is
	// treated as unreorientable and assumed to already be in the desired
	// frame.
	HeaderValid bool
}

// Orientation returns the anatomical axis code of the volume, derived from
// its affine. Only defined for 3D volumes with a usable affine.
func (v *Volume) Orientation() (string, error) {
	return OrientationFromAffine(v.Affine)
}
