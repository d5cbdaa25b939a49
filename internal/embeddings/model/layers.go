package model

import (
	"errors"

	"github.com/23skdu/longbow-electra/internal/device"
	"github.com/23skdu/longbow-electra/internal/embeddings/weights"
)

// loadTensor fetches name from the scope and uploads it to the backend.
// Vectors become a single row.
func loadTensor(s weights.Scope, b device.Backend, name string, shape ...int) (device.Tensor, error) {
	t, err := s.Get(name, shape...)
	if err != nil {
		return nil, err
	}
	rows, cols := t.Matrix()
	return b.NewTensor(rows, cols, t.Data), nil
}

// Linear is a dense projection with a PyTorch-layout weight (out, in).
type Linear struct {
	Weight device.Tensor
	Bias   device.Tensor
}

func loadLinear(s weights.Scope, b device.Backend, in, out int) (*Linear, error) {
	w, err := loadTensor(s, b, "weight", out, in)
	if err != nil {
		return nil, err
	}
	bias, err := loadTensor(s, b, "bias", out)
	if err != nil {
		return nil, err
	}
	return &Linear{Weight: w, Bias: bias}, nil
}

// Forward returns x·Wᵀ + b in a pooled tensor.
func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return x.Linear(l.Weight, l.Bias)
}

// ForwardActivation fuses the projection with an activation.
func (l *Linear) ForwardActivation(x device.Tensor, act device.ActivationType) device.Tensor {
	return x.LinearActivation(l.Weight, l.Bias, act)
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Weight device.Tensor
	Bias   device.Tensor
	Eps    float32
}

// loadLayerNorm reads weight/bias, falling back to the legacy gamma/beta
// names. A missing tensor reports the weight/bias name.
func loadLayerNorm(s weights.Scope, b device.Backend, size int, eps float64) (*LayerNorm, error) {
	w, err := loadTensor(s, b, "weight", size)
	if err != nil {
		if !errors.Is(err, weights.ErrMissingTensor) {
			return nil, err
		}
		gamma, gerr := loadTensor(s, b, "gamma", size)
		if gerr != nil {
			if errors.Is(gerr, weights.ErrMissingTensor) {
				return nil, err
			}
			return nil, gerr
		}
		beta, berr := loadTensor(s, b, "beta", size)
		if berr != nil {
			return nil, berr
		}
		return &LayerNorm{Weight: gamma, Bias: beta, Eps: float32(eps)}, nil
	}
	bias, err := loadTensor(s, b, "bias", size)
	if err != nil {
		return nil, err
	}
	return &LayerNorm{Weight: w, Bias: bias, Eps: float32(eps)}, nil
}

// Forward normalizes input in-place and returns it.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Weight, l.Bias, l.Eps)
	return input
}

// Dropout is the identity at inference.
type Dropout struct {
	Prob float64
}

func (d Dropout) Forward(t device.Tensor) device.Tensor {
	return t
}
