// Package safetensors reads weights stored in the safetensors format, either
// as a single model.safetensors file or as shards listed by
// model.safetensors.index.json.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const IndexFile = "model.safetensors.index.json"

// maxHeaderSize guards against reading a corrupt length prefix.
const maxHeaderSize = 100 << 20

type metadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// Tensor describes one tensor stored in a safetensors file.
type Tensor struct {
	Name  string
	DType string
	Shape []int

	path   string
	offset int64
	size   int64
}

func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size is the number of bytes the tensor takes on disk.
func (t *Tensor) Size() int64 {
	return t.size
}

// Floats reads the tensor and converts it to float32.
func (t *Tensor) Floats() ([]float32, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return t.decode(io.NewSectionReader(f, t.offset, t.size))
}

func (t *Tensor) decode(r io.Reader) ([]float32, error) {
	var f32s []float32
	switch t.DType {
	case "F32":
		f32s = make([]float32, t.size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, t.size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, t.size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("safetensors: %s: unknown data type: %s", t.Name, t.DType)
	}

	if len(f32s) != t.Elements() {
		return nil, fmt.Errorf("safetensors: %s: expected %d elements, found %d", t.Name, t.Elements(), len(f32s))
	}

	return f32s, nil
}

// Model is the set of tensors found in a model directory.
type Model struct {
	Tensors map[string]*Tensor
}

// Names returns the tensor names in sorted order.
func (m *Model) Names() []string {
	return slices.Sorted(maps.Keys(m.Tensors))
}

// Size is the total on-disk size of every tensor.
func (m *Model) Size() (size int64) {
	for _, t := range m.Tensors {
		size += t.size
	}
	return size
}

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

// Open finds the safetensors files in dir. An index file takes precedence;
// otherwise every *.safetensors file in dir is read.
func Open(dir string) (*Model, error) {
	var paths []string
	if bts, err := os.ReadFile(filepath.Join(dir, IndexFile)); err == nil {
		var idx index
		if err := json.Unmarshal(bts, &idx); err != nil {
			return nil, fmt.Errorf("%s: %w", IndexFile, err)
		}

		for _, p := range slices.Sorted(maps.Values(idx.WeightMap)) {
			p = filepath.Join(dir, p)
			if !slices.Contains(paths, p) {
				paths = append(paths, p)
			}
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		paths, err = filepath.Glob(filepath.Join(dir, "*.safetensors"))
		if err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("safetensors: no weights found in %s", dir)
	}

	return Parse(paths...)
}

// Parse reads the headers of each file. Tensor data is not read until
// Floats is called.
func Parse(paths ...string) (*Model, error) {
	m := &Model{Tensors: make(map[string]*Tensor)}
	for _, p := range paths {
		if err := m.parse(p); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}

	return m, nil
}

func (m *Model) parse(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return err
	}

	if n <= 0 || n > maxHeaderSize {
		return fmt.Errorf("invalid header size %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return err
	}

	for _, key := range slices.Sorted(maps.Keys(headers)) {
		if key == "__metadata__" {
			continue
		}

		var value metadata
		if err := json.Unmarshal(headers[key], &value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}

		// bitsandbytes quantized models are unsupported
		if len(value.Shape) == 0 || len(value.Offsets) != 2 {
			return errors.New("unsupported safetensors model")
		}

		if _, ok := m.Tensors[key]; ok {
			return fmt.Errorf("duplicate tensor name '%s' was found for this model", key)
		}

		shape := make([]int, len(value.Shape))
		for i, d := range value.Shape {
			shape[i] = int(d)
		}

		m.Tensors[key] = &Tensor{
			Name:   key,
			DType:  value.Type,
			Shape:  shape,
			path:   p,
			offset: pad(n, value.Offsets[0]),
			size:   value.Offsets[1] - value.Offsets[0],
		}
	}

	return nil
}

// pad returns the absolute file offset of a data offset given a header of length n.
func pad(n, offset int64) int64 {
	return 8 + n + offset
}
