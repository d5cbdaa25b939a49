package device

// Tensor is a row-major 2-D float32 matrix resident on a backend. Rank-3
// activations are carried as (batch*seqLen, hidden).
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// ToHost copies the data to a Go slice (float32).
	ToHost() []float32

	// Operations

	// Slice copies the block [i,k) x [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// AddBias adds a bias vector (broadcasted) to each row.
	AddBias(bias Tensor)

	// Activate applies an elementwise activation in-place.
	Activate(act ActivationType)

	// LayerNorm normalizes each row in-place: zero mean, unit (biased)
	// variance with eps inside the root, then gamma/beta affine.
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// Linear returns t * weight^T + bias. weight is stored (out, in) as in
	// PyTorch checkpoints; bias may be nil.
	Linear(weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by Activation.
	LinearActivation(weight, bias Tensor, activation ActivationType) Tensor

	// AttentionProbs treats t as Q (batch*seqLen, numHeads*headDim) and returns
	// softmax(Q_h K_h^T * scale) for every sequence and head, stacked as
	// (batch*numHeads*seqLen, seqLen).
	AttentionProbs(k Tensor, batchSize, seqLen, numHeads int, scale float32) Tensor

	// AttentionContext treats t as the stacked probabilities returned by
	// AttentionProbs and returns P_h V_h with heads merged back to
	// (batch*seqLen, numHeads*headDim).
	AttentionContext(v Tensor, batchSize, seqLen, numHeads int) Tensor

	// HasNaN reports whether any element is NaN or Inf.
	HasNaN() (bool, error)

	// ExtractTo copies each row into destination[startRow+row].
	ExtractTo(destination [][]float32, startRow int)
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
	ActivationReLU
	ActivationTanh
)

func (a ActivationType) String() string {
	switch a {
	case ActivationIdentity:
		return "identity"
	case ActivationGELU:
		return "gelu"
	case ActivationReLU:
		return "relu"
	case ActivationTanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool. The caller must not use it again.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
