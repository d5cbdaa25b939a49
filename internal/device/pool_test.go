package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCPUBackend_PoolMetrics(t *testing.T) {
	backend := NewCPUBackend()

	before := testutil.ToFloat64(poolGets.WithLabelValues("CPU"))
	tensor := backend.GetTensor(4, 4)
	backend.PutTensor(tensor)
	_ = backend.GetTensor(2, 2)
	after := testutil.ToFloat64(poolGets.WithLabelValues("CPU"))

	assert.Equal(t, 2.0, after-before)
}

func TestCPUBackend_PutTensorIgnoresViews(t *testing.T) {
	backend := NewCPUBackend()
	base := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})

	backend.PutTensor(base.T())

	// The source tensor is untouched by returning its view.
	r, c := base.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, base.ToHost())
}

func TestCPUBackend_GetTensorResizes(t *testing.T) {
	backend := NewCPUBackend()
	small := backend.GetTensor(1, 2)
	backend.PutTensor(small)

	big := backend.GetTensor(8, 8)
	r, c := big.Dims()
	assert.Equal(t, 8, r)
	assert.Equal(t, 8, c)
	assert.Len(t, big.ToHost(), 64)
}
