package model

import (
	"fmt"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is one trainable matrix. Data is row-major with Shape {rows, cols}.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	grad  []float64
}

// Grad returns the gradient buffer filled by the last training pass. The
// slice is owned by the param and may be modified in place (clipping).
func (p *Param) Grad() []float64 { return p.grad }

func (p *Param) value() *tensor.Dense {
	backing := make([]float64, len(p.Data))
	copy(backing, p.Data)
	return tensor.New(tensor.WithShape(p.Shape...), tensor.WithBacking(backing))
}

// Params is the ordered set of every trainable matrix of a model.
type Params struct {
	list  []*Param
	index map[string]*Param
	rng   *rand.Rand
}

func newParams(seed int64) *Params {
	return &Params{index: make(map[string]*Param), rng: rand.New(rand.NewSource(seed))}
}

// gaussian and uniform draw from the params' own source, so a model built
// twice from the same Config starts from the same values.
func (ps *Params) gaussian(mean, std float64) G.InitWFn {
	return func(dt tensor.Dtype, s ...int) interface{} {
		data := make([]float64, tensor.Shape(s).TotalSize())
		for i := range data {
			data[i] = ps.rng.NormFloat64()*std + mean
		}
		return data
	}
}

func (ps *Params) uniform(low, high float64) G.InitWFn {
	return func(dt tensor.Dtype, s ...int) interface{} {
		data := make([]float64, tensor.Shape(s).TotalSize())
		for i := range data {
			data[i] = low + ps.rng.Float64()*(high-low)
		}
		return data
	}
}

func (ps *Params) add(name string, rows, cols int, initFn G.InitWFn) *Param {
	if _, dup := ps.index[name]; dup {
		panic(fmt.Sprintf("model: duplicate param %q", name))
	}
	data := initFn(tensor.Float64, rows, cols).([]float64)
	p := &Param{
		Name:  name,
		Shape: []int{rows, cols},
		Data:  data,
		grad:  make([]float64, len(data)),
	}
	ps.list = append(ps.list, p)
	ps.index[name] = p
	return p
}

// All returns the params in construction order.
func (ps *Params) All() []*Param { return ps.list }

// Get returns the named param or nil.
func (ps *Params) Get(name string) *Param { return ps.index[name] }

// Count is the total number of scalar parameters.
func (ps *Params) Count() int {
	n := 0
	for _, p := range ps.list {
		n += len(p.Data)
	}
	return n
}

// ZeroGrad clears every gradient buffer.
func (ps *Params) ZeroGrad() {
	for _, p := range ps.list {
		for i := range p.grad {
			p.grad[i] = 0
		}
	}
}

// Snapshot is a detached copy of parameter values keyed by param name.
type Snapshot map[string][]float64

// Snapshot deep-copies the current values.
func (ps *Params) Snapshot() Snapshot {
	s := make(Snapshot, len(ps.list))
	for _, p := range ps.list {
		s[p.Name] = append([]float64(nil), p.Data...)
	}
	return s
}

// Restore overwrites the values from s. Every param must be present with a
// matching size.
func (ps *Params) Restore(s Snapshot) error {
	for _, p := range ps.list {
		v, ok := s[p.Name]
		if !ok {
			return fmt.Errorf("model: snapshot has no value for %q", p.Name)
		}
		if len(v) != len(p.Data) {
			return fmt.Errorf("model: snapshot value for %q has %d entries, want %d", p.Name, len(v), len(p.Data))
		}
	}
	for _, p := range ps.list {
		copy(p.Data, s[p.Name])
	}
	return nil
}
