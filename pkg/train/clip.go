package train

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"qgnet/pkg/model"
)

// GradNorm is the L2 norm of all gradients taken together.
func GradNorm(params []*model.Param) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad(), 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales the gradients in place so their global norm is at
// most max, and returns the norm before clipping.
func ClipGradNorm(params []*model.Param, max float64) float64 {
	total := GradNorm(params)
	if max <= 0 {
		return total
	}
	coef := max / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad())
		}
	}
	return total
}
