// Package visualization renders slices of reconstructed maps as JPEG
// previews.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"dmritools/internal/models"
)

// Viewer extracts 2D slices from a 3D map. Volumes with three or more
// values per voxel are rendered in colour from their first three values,
// others in grey levels from their first value.
type Viewer struct {
	// volume holds the map to display
	volume *models.Volume

	// scale maps voxel values to [0, 1]
	scale float64
}

// NewViewer creates a viewer for a map. Values are normalised by the largest
// value of the volume; maxValue > 0 overrides it (255 for an 8-bit map).
func NewViewer(volume *models.Volume, maxValue float64) *Viewer {
	if maxValue <= 0 {
		for _, v := range volume.Data {
			maxValue = math.Max(maxValue, v)
		}
	}
	scale := 0.0
	if maxValue > 0 {
		scale = 1 / maxValue
	}
	return &Viewer{volume: volume, scale: scale}
}

// RGB reports whether slices are rendered in colour.
func (v *Viewer) RGB() bool { return v.volume.Dims[3] >= 3 }

func (v *Viewer) level(x float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(x*v.scale*255))))
}

func (v *Viewer) pixel(vox int) color.Color {
	vals := v.volume.Voxel(vox)
	if v.RGB() {
		return color.RGBA{R: v.level(vals[0]), G: v.level(vals[1]), B: v.level(vals[2]), A: 255}
	}
	return color.Gray{Y: v.level(vals[0])}
}

// ExtractSlice extracts a 2D slice perpendicular to the given axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	nx, ny, nz := v.volume.Dims[0], v.volume.Dims[1], v.volume.Dims[2]

	var w, h int
	var at func(i, j int) int
	switch axis {
	case "x", "X":
		if position >= nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, nx)
		}
		w, h = ny, nz
		at = func(i, j int) int { return v.volume.Index(position, i, j) }
	case "y", "Y":
		if position >= ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, ny)
		}
		w, h = nx, nz
		at = func(i, j int) int { return v.volume.Index(i, position, j) }
	case "z", "Z":
		if position >= nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, nz)
		}
		w, h = nx, ny
		at = func(i, j int) int { return v.volume.Index(i, j, position) }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	var img interface {
		image.Image
		Set(x, y int, c color.Color)
	}
	if v.RGB() {
		img = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		img = image.NewGray(image.Rect(0, 0, w, h))
	}
	// Rows are flipped so that the last index is at the top of the image.
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			img.Set(i, h-1-j, v.pixel(at(i, j)))
		}
	}
	return img, nil
}

// ExtractRegion extracts a box of the map as a new volume.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	d := v.volume.Dims
	if startX+sizeX > d[0] || startY+sizeY > d[1] || startZ+sizeZ > d[2] {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	affine := v.volume.Affine
	for r := 0; r < 3; r++ {
		affine[r][3] += affine[r][0]*float64(startX) + affine[r][1]*float64(startY) + affine[r][2]*float64(startZ)
	}
	region := models.NewVolume(sizeX, sizeY, sizeZ, d[3], affine)
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				copy(region.Voxel(region.Index(x, y, z)), v.volume.Voxel(v.volume.Index(startX+x, startY+y, startZ+z)))
			}
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Dims[0]
	case "y", "Y":
		maxPos = v.volume.Dims[1]
	case "z", "Z":
		maxPos = v.volume.Dims[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
