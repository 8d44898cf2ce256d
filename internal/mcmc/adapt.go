package mcmc

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	daGamma = 0.05
	daT0    = 10.0
	daKappa = 0.75
)

// stepSize is the dual averaging scheme of Hoffman & Gelman (2014).
type stepSize struct {
	delta     float64
	mu        float64
	hbar      float64
	logEps    float64
	logEpsBar float64
	m         int
}

func newStepSize(eps, delta float64) *stepSize {
	a := &stepSize{delta: delta}
	a.restart(eps)
	return a
}

func (a *stepSize) restart(eps float64) {
	a.mu = math.Log(10 * eps)
	a.hbar = 0
	a.logEps = math.Log(eps)
	a.logEpsBar = 0
	a.m = 0
}

// update records the mean acceptance statistic of the last transition and
// returns the step size for the next one.
func (a *stepSize) update(accept float64) float64 {
	if math.IsNaN(accept) {
		accept = 0
	}
	a.m++
	m := float64(a.m)
	w := 1 / (m + daT0)
	a.hbar = (1-w)*a.hbar + w*(a.delta-accept)
	a.logEps = a.mu - math.Sqrt(m)/daGamma*a.hbar
	eta := math.Pow(m, -daKappa)
	a.logEpsBar = eta*a.logEps + (1-eta)*a.logEpsBar
	return math.Exp(a.logEps)
}

func (a *stepSize) final() float64 {
	if a.m == 0 {
		return math.Exp(a.logEps)
	}
	return math.Exp(a.logEpsBar)
}

type window struct{ start, end int }

// adaptationWindows lays out the slow mass-matrix windows inside tune
// iterations: a fast initial buffer, doubling windows, and a fast terminal
// buffer. The last window absorbs any remainder.
func adaptationWindows(tune int) []window {
	if tune < 20 {
		return nil
	}
	initBuf, termBuf, base := 75, 50, 25
	if tune < initBuf+termBuf+base {
		initBuf = tune * 15 / 100
		termBuf = tune / 10
		base = tune - initBuf - termBuf
	}
	end := tune - termBuf
	var out []window
	for start, size := initBuf, base; start < end; size *= 2 {
		stop := start + size
		if stop+2*size > end {
			stop = end
		}
		out = append(out, window{start: start, end: stop})
		start = stop
	}
	return out
}

// regularizedVariance shrinks per-dimension sample variances toward 1e-3,
// as Stan does for its diagonal metric.
func regularizedVariance(samples [][]float64, dim int) []float64 {
	out := make([]float64, dim)
	n := float64(len(samples))
	col := make([]float64, len(samples))
	for d := 0; d < dim; d++ {
		for i, s := range samples {
			col[i] = s[d]
		}
		v := 1.0
		if len(samples) > 1 {
			v = stat.Variance(col, nil)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			v = 1
		}
		out[d] = (n/(n+5))*v + 1e-3*(5/(n+5))
	}
	return out
}
