// Package safetensors reads and writes the safetensors tensor container.
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// maxHeaderSize guards against reading a corrupt length prefix.
const maxHeaderSize = 100 << 20

type tensorHeader struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Read decodes a safetensors stream. Floating point tensors are
// widened to float32 and integer tensors to int64.
func Read(r io.Reader) (map[string]*tensor.Tensor, map[string]string, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize {
		return nil, nil, fmt.Errorf("header length %d exceeds limit", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read tensor data: %w", err)
	}

	// The header may carry a __metadata__ entry which is not a tensor.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse header: %w", err)
	}

	var metadata map[string]string
	tensors := make(map[string]*tensor.Tensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		t, err := decodeTensor(name, h, data)
		if err != nil {
			return nil, nil, err
		}
		tensors[name] = t
	}

	return tensors, metadata, nil
}

func decodeTensor(name string, h tensorHeader, data []byte) (*tensor.Tensor, error) {
	start, end := h.DataOffsets[0], h.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return nil, fmt.Errorf("tensor %s: offsets [%d,%d) outside data of %d bytes", name, start, end, len(data))
	}
	raw := data[start:end]

	numel := int64(1)
	for _, d := range h.Shape {
		numel *= d
	}

	width, ok := dtypeWidth[h.Dtype]
	if !ok {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %q", name, h.Dtype)
	}
	if int64(len(raw)) != numel*width {
		return nil, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, len(raw), numel, h.Dtype)
	}

	switch h.Dtype {
	case "F32":
		out := make([]float32, numel)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return tensor.NewFloat32(out, h.Shape), nil
	case "F16":
		out := make([]float32, numel)
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return tensor.NewFloat32(out, h.Shape), nil
	case "BF16":
		out := make([]float32, numel)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return tensor.NewFloat32(out, h.Shape), nil
	case "I64":
		out := make([]int64, numel)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return tensor.NewInt64(out, h.Shape), nil
	default: // I32
		out := make([]int64, numel)
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return tensor.NewInt64(out, h.Shape), nil
	}
}

var dtypeWidth = map[string]int64{
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
}

// float16ToFloat32 converts IEEE 754 half precision to single precision.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch {
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign << 31)
		}
		// Subnormal: renormalize into float32 range.
		e := int32(1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		return math.Float32frombits((sign << 31) | (uint32(e+112) << 23) | (mant << 13))
	case exp == 0x1F:
		return math.Float32frombits((sign << 31) | (0xFF << 23) | (mant << 13))
	default:
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	}
}

// Write encodes tensors as F32/I64 safetensors, names in sorted order.
func Write(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var body bytes.Buffer
	for _, n := range names {
		t := tensors[n]
		start := int64(body.Len())
		dtype := "F32"
		switch t.DataType() {
		case tensor.Float32:
			for _, v := range t.Float32Data() {
				_ = binary.Write(&body, binary.LittleEndian, math.Float32bits(v))
			}
		case tensor.Int64:
			dtype = "I64"
			for _, v := range t.Int64Data() {
				_ = binary.Write(&body, binary.LittleEndian, v)
			}
		default:
			return fmt.Errorf("tensor %s: unsupported data type %s", n, t.DataType())
		}
		header[n] = tensorHeader{
			Dtype:       dtype,
			Shape:       t.Shape(),
			DataOffsets: [2]int64{start, int64(body.Len())},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerJSON); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())
	return err
}

// ReadFile decodes the safetensors file at path.
func ReadFile(path string) (map[string]*tensor.Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}
