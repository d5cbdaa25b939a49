// Package weights resolves named checkpoint tensors for the encoder.
//
// Names are dotted paths as found in HuggingFace state dicts, e.g.
// "encoder.layer.3.attention.self.query.weight". Every provider returns host
// float32 data regardless of the on-disk dtype.
package weights

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrMissingTensor is returned when no tensor exists under a name.
	ErrMissingTensor = errors.New("missing tensor")
	// ErrShapeMismatch is returned when a tensor exists but has another shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrUnsupportedDType is returned for on-disk dtypes that cannot be widened to float32.
	ErrUnsupportedDType = errors.New("unsupported dtype")
	// ErrFormat is returned when a checkpoint cannot be recognised or parsed.
	ErrFormat = errors.New("invalid checkpoint format")
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int {
	return numElements(t.Shape)
}

// Matrix returns the tensor viewed as a 2-D matrix. Vectors become a single
// row; higher ranks fold the leading dimensions into rows.
func (t *Tensor) Matrix() (rows, cols int) {
	switch len(t.Shape) {
	case 0:
		return 1, 1
	case 1:
		return 1, t.Shape[0]
	default:
		cols = t.Shape[len(t.Shape)-1]
		return numElements(t.Shape[:len(t.Shape)-1]), cols
	}
}

// Provider returns tensors by hierarchical name. When shape is given the
// tensor must match it exactly.
type Provider interface {
	Get(name string, shape ...int) (*Tensor, error)
}

// Lister is implemented by providers that can enumerate their tensors.
type Lister interface {
	Names() []string
}

// Checker is implemented by providers that can tell whether a tensor exists
// without materializing it.
type Checker interface {
	Contains(name string) bool
}

// Spec names a tensor and the shape it is expected to have.
type Spec struct {
	Name  string
	Shape []int
}

func (s Spec) String() string {
	return fmt.Sprintf("%s%v", s.Name, s.Shape)
}

// Has reports whether p can serve name with any shape.
func Has(p Provider, name string) bool {
	if c, ok := p.(Checker); ok {
		return c.Contains(name)
	}
	_, err := p.Get(name)
	return err == nil
}

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingTensor, name)
}

func checkShape(name string, got, want []int) error {
	if len(want) == 0 || slices.Equal(got, want) {
		return nil
	}
	return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, got, want)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Scope prefixes every lookup with a dotted path.
type Scope struct {
	provider Provider
	prefix   string
}

var (
	_ Provider = Scope{}
	_ Checker  = Scope{}
)

// NewScope returns a Scope rooted at prefix. An empty prefix is the root.
func NewScope(p Provider, prefix string) Scope {
	return Scope{provider: p, prefix: strings.TrimSuffix(prefix, ".")}
}

// Sub returns a child scope.
func (s Scope) Sub(name string) Scope {
	return Scope{provider: s.provider, prefix: s.Path(name)}
}

// Path returns the fully qualified name of name within the scope.
func (s Scope) Path(name string) string {
	if s.prefix == "" {
		return name
	}
	if name == "" {
		return s.prefix
	}
	return s.prefix + "." + name
}

// Prefix returns the scope root.
func (s Scope) Prefix() string {
	return s.prefix
}

func (s Scope) Get(name string, shape ...int) (*Tensor, error) {
	return s.provider.Get(s.Path(name), shape...)
}

func (s Scope) Contains(name string) bool {
	return Has(s.provider, s.Path(name))
}
