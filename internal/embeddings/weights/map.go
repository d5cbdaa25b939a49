package weights

import (
	"slices"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MapProvider holds tensors in memory in insertion order. It is safe for
// concurrent use.
type MapProvider struct {
	mu      sync.RWMutex
	tensors *orderedmap.OrderedMap[string, *Tensor]
}

var (
	_ Provider = (*MapProvider)(nil)
	_ Lister   = (*MapProvider)(nil)
	_ Checker  = (*MapProvider)(nil)
)

func NewMapProvider() *MapProvider {
	return &MapProvider{tensors: orderedmap.New[string, *Tensor]()}
}

// Set stores t under name, replacing any previous tensor.
func (p *MapProvider) Set(name string, t *Tensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tensors.Set(name, t)
}

// Delete removes name and reports whether it was present.
func (p *MapProvider) Delete(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tensors.Delete(name)
	return ok
}

// Rename moves a tensor to a new name. It reports false if from is absent.
func (p *MapProvider) Rename(from, to string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tensors.Delete(from)
	if !ok {
		return false
	}
	p.tensors.Set(to, t)
	return true
}

func (p *MapProvider) Get(name string, shape ...int) (*Tensor, error) {
	p.mu.RLock()
	t, ok := p.tensors.Get(name)
	p.mu.RUnlock()
	if !ok {
		return nil, missing(name)
	}
	if err := checkShape(name, t.Shape, shape); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *MapProvider) Contains(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tensors.Get(name)
	return ok
}

// Names returns tensor names in insertion order.
func (p *MapProvider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, p.tensors.Len())
	for pair := p.tensors.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (p *MapProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tensors.Len()
}

// Copy loads every tensor of src into a new MapProvider, in src's name order.
func Copy(src interface {
	Provider
	Lister
}) (*MapProvider, error) {
	out := NewMapProvider()
	for _, name := range src.Names() {
		t, err := src.Get(name)
		if err != nil {
			return nil, err
		}
		out.Set(name, &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)})
	}
	return out, nil
}
