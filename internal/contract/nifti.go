package contract

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
)

// NIfTI header sizes, which double as the byte-order marker.
const (
	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
)

// datatype codes from the NIfTI-1 standard.
var datatypes = map[int16]struct {
	name    string
	bits    int
	integer bool
}{
	2:    {"uint8", 8, true},
	4:    {"int16", 16, true},
	8:    {"int32", 32, true},
	16:   {"float32", 32, false},
	64:   {"float64", 64, false},
	256:  {"int8", 8, true},
	512:  {"uint16", 16, true},
	768:  {"uint32", 32, true},
	1024: {"int64", 64, true},
	1280: {"uint64", 64, true},
}

// ErrInvalidMask is returned when a mask file does not satisfy the output contract.
var ErrInvalidMask = errors.New("invalid mask")

// MaskReport summarizes a verified mask.
type MaskReport struct {
	Version    int
	Dims       []int64
	Datatype   string
	Voxels     int64
	Foreground int64
}

// header is the part of a NIfTI header needed to walk the voxels.
type header struct {
	version   int
	order     binary.ByteOrder
	dims      []int64
	datatype  int16
	bitpix    int16
	voxOffset int64
	slope     float64
	inter     float64
}

// VerifyMask reads a NIfTI-1 or NIfTI-2 file, optionally gzip-compressed,
// and checks that it is a label volume holding only LabelBackground and
// LabelLesion.
//
// Returns:
//   - Report with the volume geometry and the lesion voxel count
//   - Error wrapping ErrInvalidMask when the file violates the contract
func VerifyMask(path string) (*MaskReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := maybeGunzip(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMask, err)
	}
	return verifyStream(r)
}

func maybeGunzip(br *bufio.Reader) (io.Reader, error) {
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("file too short: %w", err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

func verifyStream(r io.Reader) (*MaskReport, error) {
	h, consumed, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMask, err)
	}

	dt, ok := datatypes[h.datatype]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported datatype %d", ErrInvalidMask, h.datatype)
	}
	if !dt.integer {
		return nil, fmt.Errorf("%w: datatype %s is not an integer label type", ErrInvalidMask, dt.name)
	}
	if int(h.bitpix) != dt.bits {
		return nil, fmt.Errorf("%w: bitpix %d does not match datatype %s", ErrInvalidMask, h.bitpix, dt.name)
	}

	voxels := int64(1)
	for _, d := range h.dims {
		if voxels > math.MaxInt64/d {
			return nil, fmt.Errorf("%w: dimensions %v overflow the voxel count", ErrInvalidMask, h.dims)
		}
		voxels *= d
	}
	if width := int64(dt.bits / 8); voxels > math.MaxInt64/width {
		return nil, fmt.Errorf("%w: dimensions %v overflow the data size", ErrInvalidMask, h.dims)
	}

	if skip := h.voxOffset - consumed; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("%w: truncated before voxel data: %v", ErrInvalidMask, err)
		}
	}

	fg, err := countLabels(r, h, dt.bits/8, voxels)
	if err != nil {
		return nil, err
	}
	return &MaskReport{
		Version:    h.version,
		Dims:       h.dims,
		Datatype:   dt.name,
		Voxels:     voxels,
		Foreground: fg,
	}, nil
}

func readHeader(r io.Reader) (*header, int64, error) {
	buf := make([]byte, nifti1HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, fmt.Errorf("short header: %w", err)
	}

	var order binary.ByteOrder
	var size int32
	for _, o := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		size = int32(o.Uint32(buf[0:4]))
		if size == nifti1HeaderSize || size == nifti2HeaderSize {
			order = o
			break
		}
	}
	if order == nil {
		return nil, 0, errors.New("not a NIfTI file")
	}

	if size == nifti2HeaderSize {
		rest := make([]byte, nifti2HeaderSize-nifti1HeaderSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, 0, fmt.Errorf("short header: %w", err)
		}
		buf = append(buf, rest...)
		return parseNIfTI2(buf, order)
	}
	return parseNIfTI1(buf, order)
}

func parseNIfTI1(b []byte, o binary.ByteOrder) (*header, int64, error) {
	if m := b[344:348]; !bytes.Equal(m, []byte("n+1\x00")) && !bytes.Equal(m, []byte("ni1\x00")) {
		return nil, 0, fmt.Errorf("bad NIfTI-1 magic %q", m)
	}
	ndim := int(int16(o.Uint16(b[40:42])))
	if ndim < 1 || ndim > 7 {
		return nil, 0, fmt.Errorf("invalid dimension count %d", ndim)
	}
	h := &header{
		version:   1,
		order:     o,
		datatype:  int16(o.Uint16(b[70:72])),
		bitpix:    int16(o.Uint16(b[72:74])),
		voxOffset: int64(math.Float32frombits(o.Uint32(b[108:112]))),
		slope:     float64(math.Float32frombits(o.Uint32(b[112:116]))),
		inter:     float64(math.Float32frombits(o.Uint32(b[116:120]))),
	}
	for i := 1; i <= ndim; i++ {
		d := int64(int16(o.Uint16(b[40+2*i : 42+2*i])))
		if d < 1 {
			return nil, 0, fmt.Errorf("invalid size %d for dimension %d", d, i)
		}
		h.dims = append(h.dims, d)
	}
	// Single-file NIfTI-1 data starts at 352 at the earliest.
	if h.voxOffset < nifti1HeaderSize+4 {
		h.voxOffset = nifti1HeaderSize + 4
	}
	return h, nifti1HeaderSize, nil
}

func parseNIfTI2(b []byte, o binary.ByteOrder) (*header, int64, error) {
	if m := b[4:8]; !bytes.Equal(m, []byte("n+2\x00")) && !bytes.Equal(m, []byte("ni2\x00")) {
		return nil, 0, fmt.Errorf("bad NIfTI-2 magic %q", m)
	}
	ndim := int(int64(o.Uint64(b[16:24])))
	if ndim < 1 || ndim > 7 {
		return nil, 0, fmt.Errorf("invalid dimension count %d", ndim)
	}
	h := &header{
		version:   2,
		order:     o,
		datatype:  int16(o.Uint16(b[12:14])),
		bitpix:    int16(o.Uint16(b[14:16])),
		voxOffset: int64(o.Uint64(b[168:176])),
		slope:     math.Float64frombits(o.Uint64(b[176:184])),
		inter:     math.Float64frombits(o.Uint64(b[184:192])),
	}
	for i := 1; i <= ndim; i++ {
		d := int64(o.Uint64(b[16+8*i : 24+8*i]))
		if d < 1 {
			return nil, 0, fmt.Errorf("invalid size %d for dimension %d", d, i)
		}
		h.dims = append(h.dims, d)
	}
	if h.voxOffset < nifti2HeaderSize+4 {
		h.voxOffset = nifti2HeaderSize + 4
	}
	return h, nifti2HeaderSize, nil
}

// countLabels streams the voxel data, checking each scaled value is 0 or 1.
func countLabels(r io.Reader, h *header, width int, voxels int64) (int64, error) {
	slope, inter := h.slope, h.inter
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}
	if math.IsNaN(inter) {
		inter = 0
	}

	buf := make([]byte, 64*1024*width)
	var seen, fg int64
	for seen < voxels {
		want := min(int64(len(buf)/width), voxels-seen)
		chunk := buf[:want*int64(width)]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return 0, fmt.Errorf("%w: voxel data truncated after %d of %d voxels", ErrInvalidMask, seen, voxels)
		}
		for i := 0; i < len(chunk); i += width {
			v := rawValue(chunk[i:i+width], h.order, h.datatype)*slope + inter
			switch v {
			case LabelBackground:
			case LabelLesion:
				fg++
			default:
				return 0, fmt.Errorf("%w: voxel %d has value %g, want %d or %d",
					ErrInvalidMask, seen+int64(i/width), v, LabelBackground, LabelLesion)
			}
		}
		seen += want
	}
	return fg, nil
}

func rawValue(b []byte, o binary.ByteOrder, datatype int16) float64 {
	switch datatype {
	case 2:
		return float64(b[0])
	case 256:
		return float64(int8(b[0]))
	case 4:
		return float64(int16(o.Uint16(b)))
	case 512:
		return float64(o.Uint16(b))
	case 8:
		return float64(int32(o.Uint32(b)))
	case 768:
		return float64(o.Uint32(b))
	case 1024:
		return float64(int64(o.Uint64(b)))
	case 1280:
		return float64(o.Uint64(b))
	}
	return math.NaN()
}
