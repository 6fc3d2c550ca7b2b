// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"fmt"
	"math"
)

// Header defines the structure of the Nifti1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single files
}

const (
	headerSize    = 352
	minHeaderSize = 348
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// DataType is a NIFTI_TYPE_* code.
type DataType int16

const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
)

// BitPix returns the number of bits per voxel of the type.
func (d DataType) BitPix() (int, error) {
	switch d {
	case Uint8, Int8:
		return 8, nil
	case Int16, Uint16:
		return 16, nil
	case Int32, Uint32, Float32:
		return 32, nil
	case Float64:
		return 64, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", int16(d))
	}
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("datatype(%d)", int16(d))
	}
}

func validateHeader(h *Header) error {
	switch {
	case h.SizeOfHdr != minHeaderSize:
		return fmt.Errorf("invalid header size %d for nifti1", h.SizeOfHdr)
	case h.Magic != magicSingle:
		return fmt.Errorf("invalid file magic %q: header and data must be stored in the same file", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("invalid number of dimensions %d", h.Dim[0])
	}
	if _, err := DataType(h.DataType).BitPix(); err != nil {
		return err
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dimension %d has size %d", i, h.Dim[i])
		}
	}
	return nil
}

// Affine returns the voxel-to-world transform, from the sform when present,
// otherwise from the qform, otherwise from the voxel sizes.
func (h *Header) Affine() [4][4]float64 {
	if h.SFormCode > 0 {
		var a [4][4]float64
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SRowX[j])
			a[1][j] = float64(h.SRowY[j])
			a[2][j] = float64(h.SRowZ[j])
		}
		a[3][3] = 1
		return a
	}
	if h.QFormCode > 0 {
		return h.qformAffine()
	}
	var a [4][4]float64
	for i := 0; i < 3; i++ {
		a[i][i] = float64(h.PixDim[i+1])
		if a[i][i] == 0 {
			a[i][i] = 1
		}
	}
	a[3][3] = 1
	return a
}

// qformAffine follows nifti_quatern_to_mat44.
func (h *Header) qformAffine() [4][4]float64 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx, dy, dz := float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	if dz <= 0 {
		dz = 1
	}
	qfac := float64(h.PixDim[0])
	if qfac >= 0 {
		qfac = 1
	} else {
		qfac = -1
	}
	dz *= qfac

	var m [4][4]float64
	m[0][0] = (a*a + b*b - c*c - d*d) * dx
	m[0][1] = 2 * (b*c - a*d) * dy
	m[0][2] = 2 * (b*d + a*c) * dz
	m[1][0] = 2 * (b*c + a*d) * dx
	m[1][1] = (a*a + c*c - b*b - d*d) * dy
	m[1][2] = 2 * (c*d - a*b) * dz
	m[2][0] = 2 * (b*d - a*c) * dx
	m[2][1] = 2 * (c*d + a*b) * dy
	m[2][2] = (a*a + d*d - c*c - b*b) * dz
	m[0][3] = float64(h.QOffsetX)
	m[1][3] = float64(h.QOffsetY)
	m[2][3] = float64(h.QOffsetZ)
	m[3][3] = 1
	return m
}
