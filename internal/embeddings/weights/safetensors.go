package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"
)

const safetensorsMetadataKey = "__metadata__"

// Safetensors dtype tags understood by the reader.
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeF64  = "F64"
)

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafetensorsProvider serves tensors from a single .safetensors file held in
// memory. Tensors are widened to float32 on every Get.
type SafetensorsProvider struct {
	path    string
	buf     []byte
	entries *orderedmap.OrderedMap[string, safetensorsEntry]
}

var (
	_ Provider = (*SafetensorsProvider)(nil)
	_ Lister   = (*SafetensorsProvider)(nil)
	_ Checker  = (*SafetensorsProvider)(nil)
)

// OpenSafetensors reads and indexes a .safetensors file.
func OpenSafetensors(path string) (*SafetensorsProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseSafetensors(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.path = path
	log.Debug().Str("path", path).Int("tensors", p.entries.Len()).Msg("Opened safetensors checkpoint")
	return p, nil
}

// ParseSafetensors indexes an in-memory safetensors image. raw is retained.
func ParseSafetensors(raw []byte) (*SafetensorsProvider, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: safetensors file too short", ErrFormat)
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file size", ErrFormat, headerLen)
	}
	buf := raw[8+headerLen:]

	header := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw[8:8+headerLen], header); err != nil {
		return nil, fmt.Errorf("%w: safetensors header: %v", ErrFormat, err)
	}

	entries := orderedmap.New[string, safetensorsEntry]()
	for pair := header.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == safetensorsMetadataKey {
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(pair.Value, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrFormat, pair.Key, err)
		}
		for _, d := range e.Shape {
			if d < 0 {
				return nil, fmt.Errorf("%w: tensor %s has negative dimension in shape %v", ErrFormat, pair.Key, e.Shape)
			}
		}
		size, err := dtypeSize(e.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", pair.Key, err)
		}
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(buf)) {
			return nil, fmt.Errorf("%w: tensor %s offsets %v out of range", ErrFormat, pair.Key, e.DataOffsets)
		}
		if int64(numElements(e.Shape)*size) != end-begin {
			return nil, fmt.Errorf("%w: tensor %s holds %d bytes for shape %v", ErrFormat, pair.Key, end-begin, e.Shape)
		}
		entries.Set(pair.Key, e)
	}

	return &SafetensorsProvider{buf: buf, entries: entries}, nil
}

func (p *SafetensorsProvider) Get(name string, shape ...int) (*Tensor, error) {
	e, ok := p.entries.Get(name)
	if !ok {
		return nil, missing(name)
	}
	if err := checkShape(name, e.Shape, shape); err != nil {
		return nil, err
	}
	data, err := decodeDType(e.DType, p.buf[e.DataOffsets[0]:e.DataOffsets[1]])
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &Tensor{Shape: append([]int(nil), e.Shape...), Data: data}, nil
}

// Contains reports whether name is in the header without decoding it.
func (p *SafetensorsProvider) Contains(name string) bool {
	_, ok := p.entries.Get(name)
	return ok
}

// DType returns the stored dtype of name.
func (p *SafetensorsProvider) DType(name string) (string, bool) {
	e, ok := p.entries.Get(name)
	return e.DType, ok
}

// Names returns tensor names in header order.
func (p *SafetensorsProvider) Names() []string {
	names := make([]string, 0, p.entries.Len())
	for pair := p.entries.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	case DTypeF64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

func decodeDType(dtype string, b []byte) ([]float32, error) {
	switch dtype {
	case DTypeF32:
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case DTypeF16:
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		return bfloat16.DecodeFloat32(b), nil
	case DTypeF64:
		out := make([]float32, len(b)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

func encodeDType(dtype string, data []float32) ([]byte, error) {
	switch dtype {
	case DTypeF32:
		out := make([]byte, len(data)*4)
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case DTypeF16:
		out := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case DTypeBF16:
		return bfloat16.EncodeFloat32(data), nil
	case DTypeF64:
		out := make([]byte, len(data)*8)
		for i, v := range data {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

// WriteSafetensors serialises every tensor of src, in src's name order, as
// dtype.
func WriteSafetensors(w io.Writer, src interface {
	Provider
	Lister
}, dtype string) error {
	header := orderedmap.New[string, any]()
	header.Set(safetensorsMetadataKey, map[string]string{"format": "pt"})

	var body bytes.Buffer
	for _, name := range src.Names() {
		t, err := src.Get(name)
		if err != nil {
			return err
		}
		b, err := encodeDType(dtype, t.Data)
		if err != nil {
			return err
		}
		begin := int64(body.Len())
		body.Write(b)
		header.Set(name, safetensorsEntry{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: [2]int64{begin, int64(body.Len())},
		})
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// The data section starts 8-byte aligned.
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(hdr)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = body.WriteTo(w)
	return err
}

type shardIndex struct {
	WeightMap *orderedmap.OrderedMap[string, string] `json:"weight_map"`
}

// ShardedProvider serves a checkpoint split across several safetensors files
// described by a model.safetensors.index.json.
type ShardedProvider struct {
	weightMap *orderedmap.OrderedMap[string, string]
	shards    map[string]*SafetensorsProvider
}

var (
	_ Provider = (*ShardedProvider)(nil)
	_ Lister   = (*ShardedProvider)(nil)
	_ Checker  = (*ShardedProvider)(nil)
)

// OpenShardedSafetensors opens every shard referenced by the index file.
func OpenShardedSafetensors(indexPath string) (*ShardedProvider, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	idx := shardIndex{WeightMap: orderedmap.New[string, string]()}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, indexPath, err)
	}
	if idx.WeightMap.Len() == 0 {
		return nil, fmt.Errorf("%w: %s has an empty weight_map", ErrFormat, indexPath)
	}

	dir := filepath.Dir(indexPath)
	p := &ShardedProvider{weightMap: idx.WeightMap, shards: make(map[string]*SafetensorsProvider)}
	for pair := idx.WeightMap.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := p.shards[pair.Value]; ok {
			continue
		}
		shard, err := OpenSafetensors(filepath.Join(dir, pair.Value))
		if err != nil {
			return nil, err
		}
		p.shards[pair.Value] = shard
	}
	log.Info().Str("index", indexPath).Int("shards", len(p.shards)).Int("tensors", idx.WeightMap.Len()).
		Msg("Opened sharded safetensors checkpoint")
	return p, nil
}

func (p *ShardedProvider) Get(name string, shape ...int) (*Tensor, error) {
	file, ok := p.weightMap.Get(name)
	if !ok {
		return nil, missing(name)
	}
	return p.shards[file].Get(name, shape...)
}

func (p *ShardedProvider) Contains(name string) bool {
	_, ok := p.weightMap.Get(name)
	return ok
}

func (p *ShardedProvider) Names() []string {
	names := make([]string, 0, p.weightMap.Len())
	for pair := p.weightMap.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}
