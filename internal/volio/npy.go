// Package volio reads and writes volumes as NumPy .npy arrays, optionally
// snappy-compressed, from local disk or S3.
package volio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"volseg/internal/model"
	"volseg/internal/volume"
)

var npyMagic = []byte("\x93NUMPY")

var (
	descrPattern   = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	fortranPattern = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapePattern   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// Array is a decoded 3D .npy array converted to float32.
type Array struct {
	Volume *volume.Volume
	// Integer is true when the stored dtype was an integer kind.
	Integer bool
	Descr   string
}

type header struct {
	order   binary.ByteOrder
	kind    byte
	size    int
	fortran bool
	shape   model.Shape3
	descr   string
}

// DecodeNPY reads a 3D array. Singleton leading axes beyond three are
// dropped; fewer than three axes are padded with leading ones.
func DecodeNPY(r io.Reader) (Array, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return Array{}, err
	}
	n := h.shape.Voxels()
	raw := make([]byte, n*h.size)
	if _, err := io.ReadFull(br, raw); err != nil {
		return Array{}, fmt.Errorf("read npy payload: %w", err)
	}
	data := make([]float32, n)
	for i := 0; i < n; i++ {
		v, err := decodeScalar(raw[i*h.size:(i+1)*h.size], h)
		if err != nil {
			return Array{}, err
		}
		data[i] = v
	}
	if h.fortran {
		data = fortranToC(data, h.shape)
	}
	vol, err := volume.FromData(h.shape, data)
	if err != nil {
		return Array{}, err
	}
	return Array{Volume: vol, Integer: h.kind == 'i' || h.kind == 'u' || h.kind == 'b', Descr: h.descr}, nil
}

func readHeader(r *bufio.Reader) (header, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return header{}, fmt.Errorf("read npy magic: %w", err)
	}
	if !bytes.Equal(prefix[:6], npyMagic) {
		return header{}, fmt.Errorf("not an npy stream")
	}
	var headerLen int
	switch prefix[6] {
	case 1:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return header{}, err
		}
		headerLen = int(l)
	case 2, 3:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return header{}, err
		}
		headerLen = int(l)
	default:
		return header{}, fmt.Errorf("unsupported npy version %d.%d", prefix[6], prefix[7])
	}
	text := make([]byte, headerLen)
	if _, err := io.ReadFull(r, text); err != nil {
		return header{}, fmt.Errorf("read npy header: %w", err)
	}
	return parseHeader(string(text))
}

func parseHeader(text string) (header, error) {
	var h header
	m := descrPattern.FindStringSubmatch(text)
	if m == nil {
		return h, fmt.Errorf("npy header missing descr: %q", text)
	}
	h.descr = m[1]
	if len(h.descr) < 3 {
		return h, fmt.Errorf("unsupported npy dtype %q", h.descr)
	}
	switch h.descr[0] {
	case '<', '|', '=':
		h.order = binary.LittleEndian
	case '>':
		h.order = binary.BigEndian
	default:
		return h, fmt.Errorf("unsupported npy byte order in %q", h.descr)
	}
	h.kind = h.descr[1]
	size, err := strconv.Atoi(h.descr[2:])
	if err != nil {
		return h, fmt.Errorf("unsupported npy dtype %q", h.descr)
	}
	h.size = size

	if m := fortranPattern.FindStringSubmatch(text); m != nil {
		h.fortran = m[1] == "True"
	}

	m = shapePattern.FindStringSubmatch(text)
	if m == nil {
		return h, fmt.Errorf("npy header missing shape: %q", text)
	}
	var dims []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return h, fmt.Errorf("npy shape %q: %w", m[1], err)
		}
		dims = append(dims, d)
	}
	for len(dims) > 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) > 3 {
		return h, fmt.Errorf("npy array has %d dimensions, want 3", len(dims))
	}
	for len(dims) < 3 {
		dims = append([]int{1}, dims...)
	}
	h.shape = model.Shape3{dims[0], dims[1], dims[2]}
	return h, nil
}

func decodeScalar(b []byte, h header) (float32, error) {
	switch {
	case h.kind == 'f' && h.size == 4:
		return math.Float32frombits(h.order.Uint32(b)), nil
	case h.kind == 'f' && h.size == 8:
		return float32(math.Float64frombits(h.order.Uint64(b))), nil
	case (h.kind == 'u' || h.kind == 'b') && h.size == 1:
		return float32(b[0]), nil
	case h.kind == 'i' && h.size == 1:
		return float32(int8(b[0])), nil
	case h.kind == 'u' && h.size == 2:
		return float32(h.order.Uint16(b)), nil
	case h.kind == 'i' && h.size == 2:
		return float32(int16(h.order.Uint16(b))), nil
	case h.kind == 'u' && h.size == 4:
		return float32(h.order.Uint32(b)), nil
	case h.kind == 'i' && h.size == 4:
		return float32(int32(h.order.Uint32(b))), nil
	case h.kind == 'u' && h.size == 8:
		return float32(h.order.Uint64(b)), nil
	case h.kind == 'i' && h.size == 8:
		return float32(int64(h.order.Uint64(b))), nil
	default:
		return 0, fmt.Errorf("unsupported npy dtype %q", h.descr)
	}
}

func fortranToC(data []float32, shape model.Shape3) []float32 {
	out := make([]float32, len(data))
	i := 0
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				out[(x*shape[1]+y)*shape[2]+z] = data[i]
				i++
			}
		}
	}
	return out
}

// EncodeNPY writes a float32 volume as a version 1.0 '<f4' array.
func EncodeNPY(w io.Writer, v *volume.Volume) error {
	if err := writeHeader(w, "<f4", v.Shape); err != nil {
		return err
	}
	buf := make([]byte, 4*len(v.Data))
	for i, x := range v.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	_, err := w.Write(buf)
	return err
}

// EncodeLabelsNPY writes an int32 label volume as a '<i4' array.
func EncodeLabelsNPY(w io.Writer, l *volume.Labels) error {
	if err := writeHeader(w, "<i4", l.Shape); err != nil {
		return err
	}
	buf := make([]byte, 4*len(l.Data))
	for i, x := range l.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(x))
	}
	_, err := w.Write(buf)
	return err
}

func writeHeader(w io.Writer, descr string, shape model.Shape3) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d, %d), }", descr, shape[0], shape[1], shape[2])
	// magic(6) + version(2) + length(2) + dict + newline, padded to 64 bytes.
	total := 10 + len(dict) + 1
	if rem := total % 64; rem != 0 {
		dict += strings.Repeat(" ", 64-rem)
	}
	dict += "\n"
	var prefix [10]byte
	copy(prefix[:], npyMagic)
	prefix[6], prefix[7] = 1, 0
	binary.LittleEndian.PutUint16(prefix[8:], uint16(len(dict)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, dict)
	return err
}
