package device

import (
	"math"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-electra/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() any {
				poolMisses.WithLabelValues("CPU").Inc()
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}
	if data != nil {
		if len(data) != size {
			log.Panic().Int("rows", r).Int("cols", c).Int("len", len(data)).
				Msg("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}
	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	poolGets.WithLabelValues("CPU").Inc()
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil || ct.trans {
		// Transposed views share storage with their source.
		return
	}
	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	if sliceRows <= 0 || sliceCols <= 0 {
		log.Panic().Msgf("Slice: invalid dimensions [%d:%d, %d:%d]", i, k, j, l)
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil).(*CPUTensor)
	if !t.trans {
		for r := 0; r < sliceRows; r++ {
			src := (i+r)*t.cols + j
			copy(out.data[r*sliceCols:(r+1)*sliceCols], t.data[src:src+sliceCols])
		}
		return out
	}
	for r := 0; r < sliceRows; r++ {
		for c := 0; c < sliceCols; c++ {
			out.Set(r, c, t.At(i+r, j+c))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

// general exposes the physical storage to BLAS along with the transpose flag
// that recovers the logical layout.
func (t *CPUTensor) general() (blas32.General, blas.Transpose) {
	g := blas32.General{
		Rows:   t.rows,
		Cols:   t.cols,
		Stride: max(t.cols, 1),
		Data:   t.data,
	}
	if t.trans {
		return g, blas.Trans
	}
	return g, blas.NoTrans
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma := mustCPU(a, "Mul")
	mb := mustCPU(b, "Mul")

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panic().Msgf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}
	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panic().Msgf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	if t.trans {
		log.Panic().Msg("Mul: result must not be a transposed view")
	}
	if ar == 0 || bc == 0 {
		return
	}
	if ac == 0 {
		for i := range t.data {
			t.data[i] = 0
		}
		return
	}

	ga, ta := ma.general()
	gb, tb := mb.general()
	gc, _ := t.general()
	blas32.Gemm(ta, tb, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Add(other Tensor) {
	ot := mustCPU(other, "Add")

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panic().Msgf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, t.At(i, j)+ot.At(i, j))
		}
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	if t.trans {
		log.Panic().Msg("AddBias not supported on transposed tensor views directly")
	}
	r, c := t.Dims()
	biasData := vectorData(mustCPU(bias, "AddBias"), c, "AddBias")
	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.NewTensor(len(indices), c, nil).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panic().Int("index", idx).Int("rows", r).Msg("Gather index out of bounds")
		}
		if t.trans {
			for j := 0; j < c; j++ {
				out.data[i*c+j] = t.At(idx, j)
			}
			continue
		}
		copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
	}
	return out
}

func (t *CPUTensor) Activate(act ActivationType) {
	if t.trans {
		log.Panic().Msg("Activate not supported on transposed tensor views directly")
	}
	switch act {
	case ActivationGELU:
		simd.Gelu(t.data)
	case ActivationReLU:
		simd.Relu(t.data)
	case ActivationTanh:
		simd.Tanh(t.data)
	case ActivationIdentity:
		// No-op
	default:
		log.Panic().Int("activation", int(act)).Msg("Activate: unknown activation")
	}
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	if t.trans {
		log.Panic().Msg("LayerNorm not supported on transposed tensor views directly")
	}
	r, c := t.Dims()
	gammaData := vectorData(mustCPU(gamma, "LayerNorm"), c, "LayerNorm gamma")
	betaData := vectorData(mustCPU(beta, "LayerNorm"), c, "LayerNorm beta")

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		mean, variance := simd.MeanVariance(row)
		invStd := 1.0 / math.Sqrt(variance+float64(eps))
		for j := range row {
			row[j] = float32((float64(row[j])-mean)*invStd)*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) Linear(weight, bias Tensor) Tensor {
	r, _ := t.Dims()
	out, _ := weight.Dims()

	result := t.backend.GetTensor(r, out)
	result.Mul(t, weight.T())
	if bias != nil {
		result.AddBias(bias)
	}
	return result
}

func (t *CPUTensor) LinearActivation(weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(weight, bias)
	result.Activate(activation)
	return result
}

func (t *CPUTensor) AttentionProbs(k Tensor, batchSize, seqLen, numHeads int, scale float32) Tensor {
	kt := mustCPU(k, "AttentionProbs")
	if t.trans || kt.trans {
		log.Panic().Msg("AttentionProbs not supported on transposed tensor views directly")
	}
	r, c := t.Dims()
	kr, kc := kt.Dims()
	if r != batchSize*seqLen || kr != r || kc != c || numHeads <= 0 || c%numHeads != 0 {
		log.Panic().Msgf("AttentionProbs: dims mismatch q=%dx%d k=%dx%d batch=%d seq=%d heads=%d",
			r, c, kr, kc, batchSize, seqLen, numHeads)
	}
	headDim := c / numHeads

	probs := t.backend.GetTensor(batchSize*numHeads*seqLen, seqLen).(*CPUTensor)
	forEachHead(batchSize, numHeads, func(b, h int) {
		base := (b*numHeads + h) * seqLen
		for i := 0; i < seqLen; i++ {
			qOff := (b*seqLen+i)*c + h*headDim
			qRow := t.data[qOff : qOff+headDim]
			scores := probs.data[(base+i)*seqLen : (base+i+1)*seqLen]
			for j := 0; j < seqLen; j++ {
				kOff := (b*seqLen+j)*c + h*headDim
				scores[j] = simd.DotProduct(qRow, kt.data[kOff:kOff+headDim]) * scale
			}
			simd.Softmax(scores)
		}
	})
	return probs
}

func (t *CPUTensor) AttentionContext(v Tensor, batchSize, seqLen, numHeads int) Tensor {
	vt := mustCPU(v, "AttentionContext")
	if t.trans || vt.trans {
		log.Panic().Msg("AttentionContext not supported on transposed tensor views directly")
	}
	pr, pc := t.Dims()
	vr, c := vt.Dims()
	if pr != batchSize*numHeads*seqLen || pc != seqLen || vr != batchSize*seqLen || numHeads <= 0 || c%numHeads != 0 {
		log.Panic().Msgf("AttentionContext: dims mismatch probs=%dx%d v=%dx%d batch=%d seq=%d heads=%d",
			pr, pc, vr, c, batchSize, seqLen, numHeads)
	}
	headDim := c / numHeads

	out := t.backend.GetTensor(batchSize*seqLen, c).(*CPUTensor)
	forEachHead(batchSize, numHeads, func(b, h int) {
		base := (b*numHeads + h) * seqLen
		for i := 0; i < seqLen; i++ {
			oOff := (b*seqLen+i)*c + h*headDim
			outRow := out.data[oOff : oOff+headDim]
			probsRow := t.data[(base+i)*seqLen : (base+i+1)*seqLen]
			for j, p := range probsRow {
				vOff := (b*seqLen+j)*c + h*headDim
				simd.VecAddScaled(outRow, vt.data[vOff:vOff+headDim], p)
			}
		}
	})
	return out
}

// forEachHead runs fn for every (sequence, head) pair. Each call owns a
// disjoint region of the output, so the pairs run concurrently.
func forEachHead(batchSize, numHeads int, fn func(b, h int)) {
	var g errgroup.Group
	g.SetLimit(numWorkers)
	for b := 0; b < batchSize; b++ {
		for h := 0; h < numHeads; h++ {
			g.Go(func() error {
				fn(b, h)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (t *CPUTensor) HasNaN() (bool, error) {
	for _, v := range t.data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return true, nil
		}
	}
	return false, nil
}

func (t *CPUTensor) ExtractTo(destination [][]float32, startRow int) {
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		row := make([]float32, c)
		if t.trans {
			for j := range row {
				row[j] = t.At(i, j)
			}
		} else {
			copy(row, t.data[i*c:(i+1)*c])
		}
		destination[startRow+i] = row
	}
}

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panic().Str("op", op).Msg("Mixed backend operation not supported")
	}
	return ct
}

// vectorData returns the contents of a 1xN or Nx1 tensor as a slice of n.
func vectorData(t *CPUTensor, n int, op string) []float32 {
	r, c := t.Dims()
	if r != 1 && c != 1 {
		log.Panic().Str("op", op).Msgf("expected a vector, got %dx%d", r, c)
	}
	if len(t.data) != n {
		log.Panic().Str("op", op).Int("want", n).Int("got", len(t.data)).Msg("vector length mismatch")
	}
	// 1xN and Nx1 share the same physical layout.
	return t.data
}
