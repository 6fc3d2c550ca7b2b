package models

import "fmt"

// Volume represents a 4D image. Spatial dimensions come first, the last axis
// holds the measurements (or coefficients) of each voxel.
type Volume struct {
	// Data is stored voxel-major: the N values of a voxel are contiguous and
	// voxels follow NIfTI order (x fastest, then y, then z).
	Data []float64

	// Dims holds X, Y, Z and N
	Dims [4]int

	// Affine maps voxel indices to world coordinates
	Affine [4][4]float64
}

// NewVolume allocates a zero volume.
func NewVolume(x, y, z, n int, affine [4][4]float64) *Volume {
	return &Volume{
		Data:   make([]float64, x*y*z*n),
		Dims:   [4]int{x, y, z, n},
		Affine: affine,
	}
}

// NumVoxels returns X*Y*Z.
func (v *Volume) NumVoxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// SpatialShape returns X, Y and Z.
func (v *Volume) SpatialShape() [3]int {
	return [3]int{v.Dims[0], v.Dims[1], v.Dims[2]}
}

// Voxel returns the values of voxel i. The slice aliases Data.
func (v *Volume) Voxel(i int) []float64 {
	n := v.Dims[3]
	return v.Data[i*n : (i+1)*n]
}

// Index converts spatial coordinates to a voxel index.
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Dims[1]+y)*v.Dims[0] + x
}

// Concatenate stacks volumes along the last axis. All spatial shapes must
// match.
func Concatenate(vols ...*Volume) (*Volume, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("no volumes to concatenate")
	}
	shape := vols[0].SpatialShape()
	total := 0
	for i, v := range vols {
		if v.SpatialShape() != shape {
			return nil, fmt.Errorf("volume %d has shape %v, expected %v", i, v.SpatialShape(), shape)
		}
		total += v.Dims[3]
	}

	out := NewVolume(shape[0], shape[1], shape[2], total, vols[0].Affine)
	for vox := 0; vox < out.NumVoxels(); vox++ {
		dst := out.Voxel(vox)
		off := 0
		for _, v := range vols {
			off += copy(dst[off:], v.Voxel(vox))
		}
	}
	return out, nil
}

// Mask is a 3D boolean image in NIfTI voxel order.
type Mask struct {
	Data []bool
	Dims [3]int
}

// Count returns the number of voxels inside the mask.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}
