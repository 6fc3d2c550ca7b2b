package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"dmritools/internal/models"
)

// Image is a decoded NIfTI file.
type Image struct {
	Header    Header
	ByteOrder binary.ByteOrder
	Volume    *models.Volume
}

// Load reads a .nii or .nii.gz file into a voxel-major volume. Dimensions
// beyond the fourth are folded into the last axis. Scaling (scl_slope,
// scl_inter) is applied.
func Load(path string) (*Image, error) {
	raw, err := readMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	img, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// LoadVolume is Load without the header.
func LoadVolume(path string) (*models.Volume, error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	return img.Volume, nil
}

// LoadMask reads a 3D image and marks every non-zero voxel. A 4D image with
// a single volume is accepted.
func LoadMask(path string) (*models.Mask, error) {
	vol, err := LoadVolume(path)
	if err != nil {
		return nil, err
	}
	if vol.Dims[3] != 1 {
		return nil, fmt.Errorf("mask %s must be 3D, got %d volumes", path, vol.Dims[3])
	}
	mask := &models.Mask{Data: make([]bool, vol.NumVoxels()), Dims: vol.SpatialShape()}
	for i, v := range vol.Data {
		mask.Data[i] = v != 0
	}
	return mask, nil
}

func readMaybeGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var r io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// readHeader reads a header and returns the byteorder of the file.
func readHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < minHeaderSize {
		return Header{}, nil, fmt.Errorf("file too short for a nifti1 header (%d bytes)", len(b))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(b[:4])) != minHeaderSize {
		order = binary.BigEndian
	}

	var h Header
	if err := binary.Read(bytes.NewReader(b[:minHeaderSize]), order, &h); err != nil {
		return Header{}, nil, err
	}
	if err := validateHeader(&h); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

// Decode parses an uncompressed single-file NIfTI-1 image.
func Decode(b []byte) (*Image, error) {
	h, order, err := readHeader(b)
	if err != nil {
		return nil, err
	}

	ndim := int(h.Dim[0])
	var dims [4]int
	dims[3] = 1
	for i := 1; i <= ndim; i++ {
		d := int(h.Dim[i])
		if i <= 3 {
			dims[i-1] = d
		} else {
			dims[3] *= d
		}
	}
	for i := ndim; i < 3; i++ {
		dims[i] = 1
	}

	dt := DataType(h.DataType)
	bitpix, _ := dt.BitPix()
	nbyper := bitpix / 8

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	nvox := dims[0] * dims[1] * dims[2]
	total := nvox * dims[3]
	if len(b) < offset+total*nbyper {
		return nil, fmt.Errorf("truncated data: need %d bytes, have %d", offset+total*nbyper, len(b))
	}
	data := b[offset : offset+total*nbyper]

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		slope, inter = 1, 0
	}

	vol := models.NewVolume(dims[0], dims[1], dims[2], dims[3], h.Affine())
	n := dims[3]
	for t := 0; t < n; t++ {
		for vox := 0; vox < nvox; vox++ {
			src := (t*nvox + vox) * nbyper
			v := decodeValue(dt, order, data[src:src+nbyper])
			vol.Data[vox*n+t] = v*slope + inter
		}
	}

	return &Image{Header: h, ByteOrder: order, Volume: vol}, nil
}

func decodeValue(dt DataType, order binary.ByteOrder, b []byte) float64 {
	switch dt {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Uint32:
		return float64(order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

// NewHeader builds a little-endian header for a volume of the given type.
// A volume with a single value per voxel is written as 3D.
func NewHeader(vol *models.Volume, dt DataType) (Header, error) {
	bitpix, err := dt.BitPix()
	if err != nil {
		return Header{}, err
	}

	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  int16(dt),
		BitPix:    int16(bitpix),
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		SFormCode: 1,
		Magic:     magicSingle,
	}
	h.Dim[0] = 4
	if vol.Dims[3] == 1 {
		h.Dim[0] = 3
	}
	for i := 0; i < 4; i++ {
		if vol.Dims[i] > math.MaxInt16 {
			return Header{}, fmt.Errorf("dimension %d too large for nifti1: %d", i, vol.Dims[i])
		}
		h.Dim[i+1] = int16(vol.Dims[i])
	}
	for i := 5; i < 8; i++ {
		h.Dim[i] = 1
	}

	a := vol.Affine
	h.PixDim[0] = 1
	for j := 0; j < 3; j++ {
		h.PixDim[j+1] = float32(math.Sqrt(a[0][j]*a[0][j] + a[1][j]*a[1][j] + a[2][j]*a[2][j]))
	}
	h.PixDim[4] = 1
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(a[0][j])
		h.SRowY[j] = float32(a[1][j])
		h.SRowZ[j] = float32(a[2][j])
	}
	copy(h.Descrip[:], "dmritools")
	return h, nil
}

// Encode serialises a volume with the given datatype. Values outside the
// range of an integer type are clipped.
func Encode(vol *models.Volume, dt DataType) ([]byte, error) {
	h, err := NewHeader(vol, dt)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	order := binary.LittleEndian
	if err := binary.Write(&buf, order, &h); err != nil {
		return nil, err
	}
	// Extension flag: no extensions.
	buf.Write([]byte{0, 0, 0, 0})

	bitpix, _ := dt.BitPix()
	nbyper := bitpix / 8
	nvox := vol.NumVoxels()
	n := vol.Dims[3]
	scratch := make([]byte, 8)
	for t := 0; t < n; t++ {
		for vox := 0; vox < nvox; vox++ {
			encodeValue(dt, order, scratch, vol.Data[vox*n+t])
			buf.Write(scratch[:nbyper])
		}
	}
	return buf.Bytes(), nil
}

func clip(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

func encodeValue(dt DataType, order binary.ByteOrder, b []byte, v float64) {
	switch dt {
	case Uint8:
		b[0] = uint8(clip(v, 0, math.MaxUint8))
	case Int8:
		b[0] = byte(int8(clip(v, math.MinInt8, math.MaxInt8)))
	case Int16:
		order.PutUint16(b, uint16(int16(clip(v, math.MinInt16, math.MaxInt16))))
	case Uint16:
		order.PutUint16(b, uint16(clip(v, 0, math.MaxUint16)))
	case Int32:
		order.PutUint32(b, uint32(int32(clip(v, math.MinInt32, math.MaxInt32))))
	case Uint32:
		order.PutUint32(b, uint32(clip(v, 0, math.MaxUint32)))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(b, math.Float64bits(v))
	}
}

// Save writes a volume to path, gzip-compressed when the name ends in .gz.
func Save(path string, vol *models.Volume, dt DataType) error {
	raw, err := Encode(vol, dt)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
	}
	return f.Close()
}
