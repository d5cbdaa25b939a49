package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	if got := DotProduct(a, b); got != 70 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestGeluExact(t *testing.T) {
	inputs := []float32{-3, -1, -0.5, 0, 0.5, 1, 3}
	data := append([]float32(nil), inputs...)
	Gelu(data)

	for i, x := range inputs {
		v := float64(x)
		want := 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
		if math.Abs(float64(data[i])-want) > 1e-6 {
			t.Errorf("Gelu(%f) = %f, want %f", x, data[i], want)
		}
	}

	// The tanh approximation differs from the erf form at x = 1 by ~1.6e-4.
	approx := 0.5 * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(1+0.044715)))
	if math.Abs(float64(data[5])-approx) < 1e-5 {
		t.Errorf("Gelu(1) = %f matches the tanh approximation", data[5])
	}
}

func TestRelu(t *testing.T) {
	data := []float32{-2, -0.1, 0, 0.1, 2}
	Relu(data)
	expected := []float32{0, 0, 0, 0.1, 2}
	for i, v := range data {
		if v != expected[i] {
			t.Errorf("Relu(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestTanh(t *testing.T) {
	inputs := []float32{-10, -1, 0, 1, 10}
	data := append([]float32(nil), inputs...)
	Tanh(data)
	for i, x := range inputs {
		want := math.Tanh(float64(x))
		if math.Abs(float64(data[i])-want) > 1e-6 {
			t.Errorf("Tanh(%f) = %f, want %f", x, data[i], want)
		}
	}
}

func TestSoftmax(t *testing.T) {
	tests := []struct {
		name string
		row  []float32
	}{
		{"uniform", []float32{1, 1, 1, 1}},
		{"increasing", []float32{1, 2, 3, 4}},
		{"large", []float32{1000, 1001, 1002}},
		{"negative", []float32{-50, -49, -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := append([]float32(nil), tt.row...)
			Softmax(row)

			var sum float64
			for i, v := range row {
				if math.IsNaN(float64(v)) || v < 0 {
					t.Fatalf("Softmax produced %f at %d", v, i)
				}
				sum += float64(v)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("Softmax sum = %f, want 1", sum)
			}
			for i := 1; i < len(row); i++ {
				if tt.row[i] > tt.row[i-1] && row[i] <= row[i-1] {
					t.Errorf("Softmax not monotonic at %d", i)
				}
			}
		})
	}
}

func TestMeanVariance(t *testing.T) {
	mean, variance := MeanVariance([]float32{1, 2, 3, 4})
	if mean != 2.5 {
		t.Errorf("mean = %f, want 2.5", mean)
	}
	if variance != 1.25 {
		t.Errorf("variance = %f, want 1.25", variance)
	}
}

// Benchmarks

func BenchmarkDotProduct(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	for i := range v1 {
		v1[i] = float32(i)
		v2[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotProduct(v1, v2)
	}
}

func BenchmarkGelu(b *testing.B) {
	data := make([]float32, 1024)
	for i := range data {
		data[i] = float32(i%17) - 8
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Gelu(data)
	}
}
