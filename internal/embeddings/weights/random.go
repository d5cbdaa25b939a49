package weights

import (
	"math"
	"math/rand"
	"strings"
)

// NewRandomProvider returns a provider with a tensor for every spec. Matrices
// get Xavier-uniform values, LayerNorm scales are one and every other vector
// is zero. The same seed always yields the same tensors.
func NewRandomProvider(specs []Spec, seed int64) *MapProvider {
	rng := rand.New(rand.NewSource(seed))
	p := NewMapProvider()
	for _, s := range specs {
		t := &Tensor{Shape: append([]int(nil), s.Shape...), Data: make([]float32, numElements(s.Shape))}
		switch {
		case len(s.Shape) >= 2:
			fanOut := s.Shape[0]
			fanIn := numElements(s.Shape[1:])
			limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
			for i := range t.Data {
				t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
			}
		case isNormScale(s.Name):
			for i := range t.Data {
				t.Data[i] = 1
			}
		}
		p.Set(s.Name, t)
	}
	return p
}

func isNormScale(name string) bool {
	return strings.HasSuffix(name, "LayerNorm.weight") || strings.HasSuffix(name, "LayerNorm.gamma")
}
