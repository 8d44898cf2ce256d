package mcmc

import (
	"gonum.org/v1/gonum/diff/fd"
)

// Target is a log density on an unconstrained real vector space.
type Target interface {
	Dim() int
	// Initial returns the point chains are jittered around.
	Initial() []float64
	LogProb(x []float64) float64
	// Gradient writes the gradient of LogProb at x into grad.
	Gradient(grad, x []float64)
}

var centralDifference = &fd.Settings{Formula: fd.Central}

// Density adapts a plain log density function to Target, differentiating it
// numerically. Func must be safe for concurrent use when chains run in
// parallel.
type Density struct {
	Start    []float64
	Func     func(x []float64) float64
	Settings *fd.Settings
}

func (d *Density) Dim() int { return len(d.Start) }

func (d *Density) Initial() []float64 {
	out := make([]float64, len(d.Start))
	copy(out, d.Start)
	return out
}

func (d *Density) LogProb(x []float64) float64 { return d.Func(x) }

func (d *Density) Gradient(grad, x []float64) {
	settings := d.Settings
	if settings == nil {
		settings = centralDifference
	}
	fd.Gradient(grad, d.Func, x, settings)
}
