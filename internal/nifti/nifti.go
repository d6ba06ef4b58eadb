// Package nifti reads and writes NIfTI-1 volumes.
//
// Only the single-file form (.nii, magic "n+1") is supported, optionally
// gzip-compressed. The reader exposes exactly what the preprocessing
// pipeline needs: voxel data decoded to float64, voxel spacing, the
// voxel-to-world affine, and the qform/sform codes whose validity gates
// reorientation.
//
// Header layout follows the official nifti1.h definition.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"segprep/pkg/volume"
)

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

const headerSize = 348

// header is the 348-byte NIfTI-1 header, field for field.
type header struct {
	SizeOfHdr    int32
	DataTypeName [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	Datatype   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  int8
	XYZTUnits  int8

	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	Glmax         int32
	Glmin         int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// HeaderError reports an unreadable or unsupported NIfTI header.
type HeaderError struct {
	Path   string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("nifti: %s: %s", e.Path, e.Reason)
}

// Load reads a .nii or .nii.gz file into a Volume.
func Load(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nifti: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, &HeaderError{Path: path, Reason: "file too short"}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("nifti: gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	// Header plus data are consumed sequentially so gzip streams need no
	// seeking.
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("nifti: read %s: %w", path, err)
	}
	return decode(path, raw)
}

func decode(path string, raw []byte) (*volume.Volume, error) {
	if len(raw) < headerSize {
		return nil, &HeaderError{Path: path, Reason: "file shorter than NIfTI-1 header"}
	}
	var hdr header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, err
	}
	if hdr.SizeOfHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
			return nil, err
		}
		if hdr.SizeOfHdr != headerSize {
			return nil, &HeaderError{Path: path, Reason: "sizeof_hdr is not 348 in either byte order"}
		}
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, &HeaderError{Path: path, Reason: fmt.Sprintf("unsupported magic %q (two-file ni1 images are not supported)", hdr.Magic[:3])}
	}

	shape, err := spatialShape(&hdr)
	if err != nil {
		return nil, &HeaderError{Path: path, Reason: err.Error()}
	}
	data, err := decodeVoxels(&hdr, order, raw, shape)
	if err != nil {
		return nil, &HeaderError{Path: path, Reason: err.Error()}
	}

	spacing := make([]float64, len(shape))
	for i := range shape {
		spacing[i] = float64(hdr.PixDim[i+1])
		if spacing[i] == 0 {
			spacing[i] = 1
		}
	}

	vol := &volume.Volume{
		Array:       &volume.Array{Data: data, Shape: shape},
		Spacing:     spacing,
		QForm:       qformAffine(&hdr),
		SForm:       sformAffine(&hdr),
		HeaderValid: hdr.QFormCode > 0 || hdr.SFormCode > 0,
	}
	switch {
	case hdr.SFormCode > 0:
		vol.Affine = vol.SForm
	case hdr.QFormCode > 0:
		vol.Affine = vol.QForm
	default:
		// Untrustworthy header: fall back to a pixdim-scaled identity.
		for i := 0; i < 3 && i < len(spacing); i++ {
			vol.Affine[i][i] = spacing[i]
		}
		vol.Affine[3][3] = 1
	}
	return vol, nil
}

// spatialShape squeezes the header dims down to the 2D or 3D spatial shape.
// Non-spatial axes (time etc.) must be singleton.
func spatialShape(hdr *header) ([]int, error) {
	ndim := int(hdr.Dim[0])
	if ndim < 2 || ndim > 7 {
		return nil, fmt.Errorf("dim[0] = %d, volumes must be 2D or 3D", ndim)
	}
	spatial := ndim
	if spatial > 3 {
		spatial = 3
	}
	shape := make([]int, spatial)
	for i := 1; i <= spatial; i++ {
		d := int(hdr.Dim[i])
		if d < 1 {
			return nil, fmt.Errorf("dim[%d] = %d is invalid", i, d)
		}
		shape[i-1] = d
	}
	for i := spatial + 1; i <= ndim; i++ {
		if hdr.Dim[i] > 1 {
			return nil, fmt.Errorf("dim[%d] = %d: non-singleton non-spatial axes are not supported", i, hdr.Dim[i])
		}
	}
	return shape, nil
}

// decodeVoxels decodes the raw voxel payload to float64 and converts the
// file's Fortran element order to the row-major order used by Array.
func decodeVoxels(hdr *header, order binary.ByteOrder, raw []byte, shape []int) ([]float64, error) {
	n := volume.NumElements(shape)
	bytesPer := int(hdr.BitPix) / 8
	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		return nil, fmt.Errorf("vox_offset %d overlaps header", offset)
	}
	if len(raw) < offset+n*bytesPer {
		return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", offset+n*bytesPer, len(raw))
	}
	payload := raw[offset:]

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	scaled := slope != 0 && !(slope == 1 && inter == 0)

	fileOrder := make([]float64, n)
	for i := 0; i < n; i++ {
		b := payload[i*bytesPer:]
		var v float64
		switch hdr.Datatype {
		case dtUint8:
			v = float64(b[0])
		case dtInt8:
			v = float64(int8(b[0]))
		case dtInt16:
			v = float64(int16(order.Uint16(b)))
		case dtUint16:
			v = float64(order.Uint16(b))
		case dtInt32:
			v = float64(int32(order.Uint32(b)))
		case dtUint32:
			v = float64(order.Uint32(b))
		case dtFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			v = math.Float64frombits(order.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported datatype code %d", hdr.Datatype)
		}
		if scaled {
			v = v*slope + inter
		}
		fileOrder[i] = v
	}

	// Fortran -> C order: the first axis varies fastest on disk.
	data := make([]float64, n)
	strides := volume.Strides(shape)
	for k := 0; k < n; k++ {
		rem := k
		dst := 0
		for i := 0; i < len(shape); i++ {
			dst += (rem % shape[i]) * strides[i]
			rem /= shape[i]
		}
		data[dst] = fileOrder[k]
	}
	return data, nil
}

// qformAffine reconstructs the rotation affine from the header quaternion,
// per the method 2 description in nifti1.h.
func qformAffine(hdr *header) [4][4]float64 {
	b := float64(hdr.QuaternB)
	c := float64(hdr.QuaternC)
	d := float64(hdr.QuaternD)
	a := 1 - b*b - c*c - d*d
	if a < 0 {
		a = 0
	}
	a = math.Sqrt(a)

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2*b*c - 2*a*d, 2*b*d + 2*a*c},
		{2*b*c + 2*a*d, a*a + c*c - b*b - d*d, 2*c*d - 2*a*b},
		{2*b*d - 2*a*c, 2*c*d + 2*a*b, a*a + d*d - b*b - c*c},
	}
	qfac := float64(hdr.PixDim[0])
	if qfac >= 0 {
		qfac = 1
	} else {
		qfac = -1
	}
	var aff [4][4]float64
	for i := 0; i < 3; i++ {
		aff[i][0] = r[i][0] * float64(hdr.PixDim[1])
		aff[i][1] = r[i][1] * float64(hdr.PixDim[2])
		aff[i][2] = r[i][2] * float64(hdr.PixDim[3]) * qfac
	}
	aff[0][3] = float64(hdr.QOffsetX)
	aff[1][3] = float64(hdr.QOffsetY)
	aff[2][3] = float64(hdr.QOffsetZ)
	aff[3][3] = 1
	return aff
}

func sformAffine(hdr *header) [4][4]float64 {
	var aff [4][4]float64
	for j := 0; j < 4; j++ {
		aff[0][j] = float64(hdr.SRowX[j])
		aff[1][j] = float64(hdr.SRowY[j])
		aff[2][j] = float64(hdr.SRowZ[j])
	}
	aff[3][3] = 1
	return aff
}

// Save writes the volume as a float32 single-file NIfTI-1 image. Paths
// ending in .gz are gzip-compressed. Volumes with a valid header are written
// with sform code 1 (scanner space); invalid ones get both codes 0 so the
// validity gate survives a round-trip.
func Save(path string, vol *volume.Volume) error {
	var hdr header
	hdr.SizeOfHdr = headerSize
	hdr.Datatype = dtFloat32
	hdr.BitPix = 32
	hdr.VoxOffset = 352
	hdr.SclSlope = 1
	hdr.Magic = [4]byte{'n', '+', '1', 0}

	ndim := vol.NDim()
	hdr.Dim[0] = int16(ndim)
	for i := 1; i <= 7; i++ {
		hdr.Dim[i] = 1
	}
	hdr.PixDim[0] = 1
	for i := 0; i < ndim; i++ {
		hdr.Dim[i+1] = int16(vol.Shape[i])
		hdr.PixDim[i+1] = float32(vol.Spacing[i])
	}
	if vol.HeaderValid {
		hdr.SFormCode = 1
		for j := 0; j < 4; j++ {
			hdr.SRowX[j] = float32(vol.Affine[0][j])
			hdr.SRowY[j] = float32(vol.Affine[1][j])
			hdr.SRowZ[j] = float32(vol.Affine[2][j])
		}
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	buf.Write(make([]byte, 4)) // extension flag, no extensions

	// C -> Fortran element order.
	strides := volume.Strides(vol.Shape)
	n := vol.Size()
	for k := 0; k < n; k++ {
		rem := k
		src := 0
		for i := 0; i < ndim; i++ {
			src += (rem % vol.Shape[i]) * strides[i]
			rem /= vol.Shape[i]
		}
		if err := binary.Write(&buf, binary.LittleEndian, float32(vol.Data[src])); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
