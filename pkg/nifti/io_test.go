package nifti

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmritools/internal/models"
)

func testAffine() [4][4]float64 {
	return [4][4]float64{
		{-2, 0, 0, 90},
		{0, 2, 0, -126},
		{0, 0, 2.5, -72},
		{0, 0, 0, 1},
	}
}

func TestSaveLoadFloat32Gzip(t *testing.T) {
	vol := models.NewVolume(3, 2, 2, 4, testAffine())
	for i := range vol.Data {
		vol.Data[i] = float64(i) * 0.5
	}

	path := filepath.Join(t.TempDir(), "dwi.nii.gz")
	require.NoError(t, Save(path, vol, Float32))

	img, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, vol.Dims, img.Volume.Dims)
	assert.Equal(t, testAffine(), img.Volume.Affine)
	assert.Equal(t, int16(Float32), img.Header.DataType)
	assert.InDelta(t, 2.0, float64(img.Header.PixDim[1]), 1e-6)
	assert.InDelta(t, 2.5, float64(img.Header.PixDim[3]), 1e-6)
	for i := range vol.Data {
		assert.InDelta(t, vol.Data[i], img.Volume.Data[i], 1e-6)
	}
}

func TestSaveThreeDimensional(t *testing.T) {
	vol := models.NewVolume(2, 2, 1, 1, testAffine())
	vol.Data = []float64{0, 300, -4, 127.9}

	path := filepath.Join(t.TempDir(), "mask.nii")
	require.NoError(t, Save(path, vol, Uint8))

	img, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int16(3), img.Header.Dim[0])
	// Integer types clip and truncate.
	assert.Equal(t, []float64{0, 255, 0, 127}, img.Volume.Data)
}

func TestLoadMask(t *testing.T) {
	vol := models.NewVolume(2, 1, 1, 1, testAffine())
	vol.Data = []float64{0, 3}
	path := filepath.Join(t.TempDir(), "mask.nii.gz")
	require.NoError(t, Save(path, vol, Int16))

	mask, err := LoadMask(path)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, mask.Data)
	assert.Equal(t, [3]int{2, 1, 1}, mask.Dims)
	assert.Equal(t, 1, mask.Count())

	four := models.NewVolume(2, 1, 1, 2, testAffine())
	path4 := filepath.Join(t.TempDir(), "four.nii")
	require.NoError(t, Save(path4, four, Uint8))
	_, err = LoadMask(path4)
	assert.Error(t, err)
}

func TestDecodeBigEndianWithScaling(t *testing.T) {
	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  int16(Int16),
		BitPix:    16,
		VoxOffset: headerSize,
		SclSlope:  2,
		SclInter:  1,
		Magic:     magicSingle,
	}
	h.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	h.PixDim = [8]float32{1, 1.5, 1.5, 3, 1, 1, 1, 1}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{-3, 7}))

	img, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, img.ByteOrder)
	assert.Equal(t, []float64{-5, 15}, img.Volume.Data)
	// No sform or qform: the affine is built from the voxel sizes.
	assert.Equal(t, 1.5, img.Volume.Affine[0][0])
	assert.Equal(t, 3.0, img.Volume.Affine[2][2])
}

func TestQformAffine(t *testing.T) {
	h := Header{QFormCode: 1, QOffsetX: 10, QOffsetY: 20, QOffsetZ: 30}
	h.PixDim = [8]float32{-1, 2, 2, 2}
	// Identity rotation with qfac = -1 flips z.
	a := h.Affine()
	assert.InDelta(t, 2, a[0][0], 1e-9)
	assert.InDelta(t, 2, a[1][1], 1e-9)
	assert.InDelta(t, -2, a[2][2], 1e-9)
	assert.Equal(t, 30.0, a[2][3])
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 400), 0644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.nii"))
	assert.Error(t, err)
}
