package train

import (
	"fmt"
	"math"

	"qgnet/pkg/model"
)

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LR    float64 `json:"lr"`
	Beta1 float64 `json:"beta1"`
	Beta2 float64 `json:"beta2"`
	Eps   float64 `json:"eps"`
}

func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// AdamState is the optimizer's moment estimates keyed by param name. It is
// stored in checkpoints so training can resume exactly.
type AdamState struct {
	Step int
	M    map[string][]float64
	V    map[string][]float64
}

// Adam applies bias-corrected Adam updates to a fixed set of params.
type Adam struct {
	cfg   AdamConfig
	state AdamState
}

func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg, state: AdamState{
		M: make(map[string][]float64),
		V: make(map[string][]float64),
	}}
}

// Step updates every param from its gradient buffer.
func (a *Adam) Step(params []*model.Param) {
	a.state.Step++
	cfg := a.cfg
	b1t := 1 - math.Pow(cfg.Beta1, float64(a.state.Step))
	b2t := 1 - math.Pow(cfg.Beta2, float64(a.state.Step))

	for _, p := range params {
		m, ok := a.state.M[p.Name]
		if !ok {
			m = make([]float64, len(p.Data))
			a.state.M[p.Name] = m
		}
		v, ok := a.state.V[p.Name]
		if !ok {
			v = make([]float64, len(p.Data))
			a.state.V[p.Name] = v
		}
		g := p.Grad()
		for i := range p.Data {
			m[i] = cfg.Beta1*m[i] + (1-cfg.Beta1)*g[i]
			v[i] = cfg.Beta2*v[i] + (1-cfg.Beta2)*g[i]*g[i]
			mh := m[i] / b1t
			vh := v[i] / b2t
			p.Data[i] -= cfg.LR * mh / (math.Sqrt(vh) + cfg.Eps)
		}
	}
}

// State returns a deep copy of the moment estimates.
func (a *Adam) State() AdamState {
	out := AdamState{
		Step: a.state.Step,
		M:    make(map[string][]float64, len(a.state.M)),
		V:    make(map[string][]float64, len(a.state.V)),
	}
	for k, m := range a.state.M {
		out.M[k] = append([]float64(nil), m...)
	}
	for k, v := range a.state.V {
		out.V[k] = append([]float64(nil), v...)
	}
	return out
}

// Restore replaces the moment estimates. Entries whose size does not match
// the named param are rejected.
func (a *Adam) Restore(s AdamState, params []*model.Param) error {
	sizes := make(map[string]int, len(params))
	for _, p := range params {
		sizes[p.Name] = len(p.Data)
	}
	check := func(kind string, mv map[string][]float64) error {
		for name, vals := range mv {
			n, ok := sizes[name]
			if !ok {
				return fmt.Errorf("train: optimizer %s state for unknown param %q", kind, name)
			}
			if len(vals) != n {
				return fmt.Errorf("train: optimizer %s state for %q has %d entries, want %d", kind, name, len(vals), n)
			}
		}
		return nil
	}
	if err := check("first moment", s.M); err != nil {
		return err
	}
	if err := check("second moment", s.V); err != nil {
		return err
	}
	a.state = AdamState{Step: s.Step, M: make(map[string][]float64), V: make(map[string][]float64)}
	for k, m := range s.M {
		a.state.M[k] = append([]float64(nil), m...)
	}
	for k, v := range s.V {
		a.state.V[k] = append([]float64(nil), v...)
	}
	return nil
}
