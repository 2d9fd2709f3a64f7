// Package niftiio reads and writes single-file NIfTI-1 volumes.
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
//
// Only the first 3D volume of a file is loaded. Files ending in .nii.gz are
// gzip compressed.
package niftiio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"mrisymreg/internal/models"
	"mrisymreg/pkg/orientation"
)

// ErrUnsupported is returned for files this package cannot decode.
var ErrUnsupported = errors.New("unsupported NIfTI file")

// NIfTI datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
)

const (
	headerSize   = 348
	minVoxOffset = 352
)

var magic = [4]byte{'n', '+', '1', 0}

// Header is the 348-byte NIfTI-1 header.
//
// Type translation from the C header:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  byte / int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing, PixDim[0] is qfac
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

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0"
}

// NewHeader returns a header for an int16 volume on g with no orientation.
func NewHeader(g models.Grid) *Header {
	h := &Header{
		SizeOfHdr: headerSize,
		DataType:  DTInt16,
		BitPix:    16,
		VoxOffset: minVoxOffset,
		XYZTUnits: 2, // mm
		Magic:     magic,
	}
	h.setGrid(g)
	h.PixDim[0] = 1
	return h
}

func (h *Header) setGrid(g models.Grid) {
	h.Dim = [8]int16{3, int16(g.Nx), int16(g.Ny), int16(g.Nz), 1, 1, 1, 1}
	h.PixDim[1] = float32(g.Dx)
	h.PixDim[2] = float32(g.Dy)
	h.PixDim[3] = float32(g.Dz)
}

// Grid returns the matrix size and voxel size of the first volume.
func (h *Header) Grid() (models.Grid, error) {
	n := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		n[i] = int(h.Dim[i+1])
	}
	return models.NewGrid(n[0], n[1], n[2],
		math.Abs(float64(h.PixDim[1])), math.Abs(float64(h.PixDim[2])), math.Abs(float64(h.PixDim[3])))
}

// Metadata extracts the geometric fields used to resolve orientation.
func (h *Header) Metadata() orientation.Metadata {
	qfac := float64(h.PixDim[0])
	if qfac == 0 {
		qfac = 1
	}
	md := orientation.Metadata{
		Nx: int(h.Dim[1]), Ny: int(h.Dim[2]), Nz: int(h.Dim[3]),
		Dx: math.Abs(float64(h.PixDim[1])), Dy: math.Abs(float64(h.PixDim[2])), Dz: math.Abs(float64(h.PixDim[3])),

		QFormCode: int(h.QFormCode),
		QuaternB:  float64(h.QuaternB),
		QuaternC:  float64(h.QuaternC),
		QuaternD:  float64(h.QuaternD),
		QOffsetX:  float64(h.QOffsetX),
		QOffsetY:  float64(h.QOffsetY),
		QOffsetZ:  float64(h.QOffsetZ),
		QFac:      qfac,

		SFormCode: int(h.SFormCode),
	}
	for i := 0; i < 4; i++ {
		md.SRowX[i] = float64(h.SRowX[i])
		md.SRowY[i] = float64(h.SRowY[i])
		md.SRowZ[i] = float64(h.SRowZ[i])
	}
	return md
}

// Offsets returns dim[5..7], which atlas files use to store the voxel offset
// of their bounding box inside the PIL grid.
func (h *Header) Offsets() [3]int {
	return [3]int{int(h.Dim[5]), int(h.Dim[6]), int(h.Dim[7])}
}

// SetDescrip replaces the description field, truncating to 79 bytes.
func (h *Header) SetDescrip(s string) {
	h.Descrip = [80]byte{}
	copy(h.Descrip[:79], s)
}

// DescripString returns the description without trailing NULs.
func (h *Header) DescripString() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00")
}

func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: datatype %d", ErrUnsupported, dt)
	}
}

// readHeader decodes the header and infers the byte order from sizeof_hdr.
func readHeader(b []byte) (*Header, binary.ByteOrder, error) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		h := &Header{}
		if err := binary.Read(bytes.NewReader(b), order, h); err != nil {
			return nil, nil, fmt.Errorf("failed to decode header: %w", err)
		}
		if h.SizeOfHdr != headerSize {
			continue
		}
		if h.Magic != magic {
			return nil, nil, fmt.Errorf("%w: invalid magic %q, header and data must share one file", ErrUnsupported, h.Magic[:3])
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return nil, nil, fmt.Errorf("%w: dim[0]=%d", ErrUnsupported, h.Dim[0])
		}
		log.WithFields(log.Fields{
			"byteOrder": order,
			"dataType":  h.DataType,
			"dim":       h.Dim,
		}).Debug("Read NIfTI header")
		return h, order, nil
	}
	return nil, nil, fmt.Errorf("%w: header size is not %d", ErrUnsupported, headerSize)
}

// Read decodes the first 3D volume of a NIfTI-1 stream. A non-zero scl_slope
// is applied to the stored values.
func Read(r io.Reader) (*models.Volume, *Header, error) {
	br := bufio.NewReader(r)

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	h, order, err := readHeader(raw)
	if err != nil {
		return nil, nil, err
	}

	g, err := h.Grid()
	if err != nil {
		return nil, nil, err
	}
	nb, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return nil, nil, err
	}

	offset := int64(h.VoxOffset)
	if offset < minVoxOffset {
		offset = minVoxOffset
	}
	if _, err := io.CopyN(io.Discard, br, offset-headerSize); err != nil {
		return nil, nil, fmt.Errorf("failed to skip to voxel data: %w", err)
	}

	buf := make([]byte, g.NV()*nb)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, nil, fmt.Errorf("failed to read voxel data: %w", err)
	}

	data := make([]float64, g.NV())
	decode(h.DataType, order, buf, data)
	v, err := models.NewVolumeFromData(g, data)
	if err != nil {
		return nil, nil, err
	}

	if slope := float64(h.SclSlope); slope != 0 && !(slope == 1 && h.SclInter == 0) {
		inter := float64(h.SclInter)
		for i := range v.Data {
			v.Data[i] = v.Data[i]*slope + inter
		}
	}
	return v, h, nil
}

func decode(dt int16, order binary.ByteOrder, b []byte, dst []float64) {
	for i := range dst {
		switch dt {
		case DTUint8:
			dst[i] = float64(b[i])
		case DTInt8:
			dst[i] = float64(int8(b[i]))
		case DTInt16:
			dst[i] = float64(int16(order.Uint16(b[2*i:])))
		case DTUint16:
			dst[i] = float64(order.Uint16(b[2*i:]))
		case DTInt32:
			dst[i] = float64(int32(order.Uint32(b[4*i:])))
		case DTFloat32:
			dst[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		case DTFloat64:
			dst[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	}
}

// Write encodes v as a little-endian int16 NIfTI-1 volume. Orientation and
// description are taken from tmpl; a nil tmpl yields a header without
// orientation. Values are rounded and clamped to the int16 range.
func Write(w io.Writer, v *models.Volume, tmpl *Header) error {
	var h Header
	if tmpl != nil {
		h = *tmpl
	} else {
		h = *NewHeader(v.Grid)
	}
	h.SizeOfHdr = headerSize
	h.setGrid(v.Grid)
	if h.PixDim[0] == 0 {
		h.PixDim[0] = 1
	}
	h.DataType = DTInt16
	h.BitPix = 16
	h.VoxOffset = minVoxOffset
	h.SclSlope = 0
	h.SclInter = 0
	h.Magic = magic

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// empty extension block
	if _, err := bw.Write(make([]byte, minVoxOffset-headerSize)); err != nil {
		return err
	}

	out := make([]byte, 2*len(v.Data))
	for i, val := range v.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(toInt16(val)))
	}
	if _, err := bw.Write(out); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return bw.Flush()
}

func toInt16(v float64) int16 {
	v = math.Floor(v + 0.5)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	case math.IsNaN(v):
		return 0
	}
	return int16(v)
}

// Prefix strips the .nii or .nii.gz extension from path.
func Prefix(path string) (string, error) {
	switch {
	case strings.HasSuffix(path, ".nii.gz"):
		return strings.TrimSuffix(path, ".nii.gz"), nil
	case strings.HasSuffix(path, ".nii"):
		return strings.TrimSuffix(path, ".nii"), nil
	default:
		return "", fmt.Errorf("%w: %s does not end in .nii or .nii.gz", ErrUnsupported, path)
	}
}

func compressed(path string) bool { return strings.HasSuffix(path, ".gz") }

// ReadFile loads a .nii or .nii.gz file.
func ReadFile(path string) (*models.Volume, *Header, error) {
	if _, err := Prefix(path); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed(path) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	v, h, err := Read(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"file":    path,
		"grid":    v.Grid.String(),
		"descrip": h.DescripString(),
	}).Debug("Loaded image")
	return v, h, nil
}

// WriteFile saves v to path, gzip compressing when path ends in .gz.
func WriteFile(path string, v *models.Volume, tmpl *Header) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if compressed(path) {
		zw = gzip.NewWriter(f)
		w = zw
	}

	if err := Write(w, v, tmpl); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return f.Close()
}
