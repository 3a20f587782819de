package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// Tensor is one named float32 tensor inside a safetensors file.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Elements returns the element count implied by the shape.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type safetensorMetadata struct {
	Type    string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// WriteSafetensors writes the tensors as float32 safetensors, sorted by
// name so the output is byte-stable for identical inputs.
func WriteSafetensors(path string, tensors []Tensor) error {
	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b Tensor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	headers := make(map[string]safetensorMetadata, len(sorted))
	offset := 0
	for _, t := range sorted {
		if t.Elements() != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v implies %d elements, have %d", t.Name, t.Shape, t.Elements(), len(t.Data))
		}
		size := len(t.Data) * 4
		headers[t.Name] = safetensorMetadata{
			Type:    "F32",
			Shape:   slices.Clone(t.Shape),
			Offsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		return err
	}
	for _, t := range sorted {
		if err := binary.Write(f, binary.LittleEndian, t.Data); err != nil {
			return err
		}
	}

	return f.Close()
}

// ReadSafetensors reads every tensor from a safetensors file, converting
// F16 and BF16 payloads to float32. Tensors are returned sorted by name.
func ReadSafetensors(path string) ([]Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("reading safetensors header size: %w", err)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("reading safetensors header: %w", err)
	}

	var headers map[string]safetensorMetadata
	if err := json.Unmarshal(headerBytes, &headers); err != nil {
		return nil, fmt.Errorf("parsing safetensors header: %w", err)
	}
	delete(headers, "__metadata__")

	names := maps.Keys(headers)
	slices.Sort(names)

	dataStart := int64(8 + headerSize)
	tensors := make([]Tensor, 0, len(names))
	for _, name := range names {
		meta := headers[name]
		size := int64(meta.Offsets[1] - meta.Offsets[0])
		if size < 0 {
			return nil, fmt.Errorf("tensor %s: negative data span", name)
		}
		if _, err := f.Seek(dataStart+int64(meta.Offsets[0]), io.SeekStart); err != nil {
			return nil, err
		}

		var f32s []float32
		switch meta.Type {
		case "F32":
			f32s = make([]float32, size/4)
			if err := binary.Read(f, binary.LittleEndian, f32s); err != nil {
				return nil, fmt.Errorf("tensor %s: %w", name, err)
			}
		case "F16":
			u16s := make([]uint16, size/2)
			if err := binary.Read(f, binary.LittleEndian, u16s); err != nil {
				return nil, fmt.Errorf("tensor %s: %w", name, err)
			}
			f32s = make([]float32, len(u16s))
			for i := range u16s {
				f32s[i] = float16.Frombits(u16s[i]).Float32()
			}
		case "BF16":
			u8s := make([]uint8, size)
			if err := binary.Read(f, binary.LittleEndian, u8s); err != nil {
				return nil, fmt.Errorf("tensor %s: %w", name, err)
			}
			f32s = bfloat16.DecodeFloat32(u8s)
		default:
			return nil, fmt.Errorf("tensor %s: unknown data type %s", name, meta.Type)
		}

		tensors = append(tensors, Tensor{
			Name:  name,
			Shape: slices.Clone(meta.Shape),
			Data:  f32s,
		})
	}

	return tensors, nil
}
