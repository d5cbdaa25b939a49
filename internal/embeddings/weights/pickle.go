package weights

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/rs/zerolog/log"
)

// LoadPyTorch reads a pytorch_model.bin state dict into memory.
func LoadPyTorch(path string) (*MapProvider, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}

	p := NewMapProvider()
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return fmt.Errorf("%w: non-string state dict key %v", ErrFormat, key)
		}
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			// Non-tensor entries such as _metadata are skipped.
			return nil
		}
		t, err := tensorFromTorch(pt)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		p.Set(name, t)
		return nil
	}

	dict, ok := obj.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not hold a state dict (got %T)", ErrFormat, path, obj)
	}
	for _, k := range dict.Keys() {
		if err := add(k, dict.MustGet(k)); err != nil {
			return nil, err
		}
	}

	log.Debug().Str("path", path).Int("tensors", p.Len()).Msg("Loaded PyTorch checkpoint")
	return p, nil
}

func tensorFromTorch(pt *pytorch.Tensor) (*Tensor, error) {
	var (
		src   []float32
		src64 []float64
	)
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src64 = s.Data
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnsupportedDType, pt.Source)
	}
	at := func(i int) float32 {
		if src64 != nil {
			return float32(src64[i])
		}
		return src[i]
	}
	storageLen := len(src)
	if src64 != nil {
		storageLen = len(src64)
	}

	shape := append([]int(nil), pt.Size...)
	stride := pt.Stride
	if len(stride) != len(shape) {
		stride = contiguousStrides(shape)
	}
	out := &Tensor{Shape: shape, Data: make([]float32, numElements(shape))}

	// Walk the logical index space in row-major order, following strides.
	idx := make([]int, len(shape))
	for i := range out.Data {
		off := pt.StorageOffset
		for d, v := range idx {
			off += v * stride[d]
		}
		if off < 0 || off >= storageLen {
			return nil, fmt.Errorf("%w: storage offset %d out of range", ErrFormat, off)
		}
		out.Data[i] = at(off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func contiguousStrides(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		stride[d] = acc
		acc *= shape[d]
	}
	return stride
}
