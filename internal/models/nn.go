package models

import "math"

const (
	nnInputs = 1
	nnHidden = 2
)

var standardNormal = Prior{Family: Normal, A: Const(0), B: Const(1)}

// neuralNet is a one-hidden-layer tanh network. Per-cell weights are
// non-centered: w = raw[g,s]*sd + grp.
type neuralNet struct {
	hyper
	sites   int
	wIn     ref
	wInSd   ref
	wOut    ref
	wOutSd  ref
	wInRaw  ref
	wOutRaw ref
	sigma   ref
}

func (m *neuralNet) params(sites, genders int) []ParamSpec {
	m.sites = sites
	sd := Prior{Family: HalfNormal, A: Const(1)}
	return []ParamSpec{
		param("w_in_1_grp", standardNormal, nnInputs, nnHidden),
		param("w_in_1_grp_sd", sd, nnInputs, nnHidden),
		param("w_1_out_grp", standardNormal, nnHidden),
		param("w_1_out_grp_sd", sd, nnHidden),
		param("w_in_1", standardNormal, genders, sites, nnInputs, nnHidden),
		param("w_1_out", standardNormal, genders, sites, nnHidden),
		param("sigma_error", noisePrior, genders, sites),
	}
}

func (m *neuralNet) resolve(l *layout) {
	m.resolveHyper(l)
	m.wIn = l.ref("w_in_1_grp")
	m.wInSd = l.ref("w_in_1_grp_sd")
	m.wOut = l.ref("w_1_out_grp")
	m.wOutSd = l.ref("w_1_out_grp_sd")
	m.wInRaw = l.ref("w_in_1")
	m.wOutRaw = l.ref("w_1_out")
	m.sigma = l.ref("sigma_error")
}

func (m *neuralNet) mean(x []float64, age float64, site, gender int) float64 {
	cell := gender*m.sites + site
	out := 0.0
	for h := 0; h < nnHidden; h++ {
		act := 0.0
		for i := 0; i < nnInputs; i++ {
			k := i*nnHidden + h
			win := m.wInRaw.at1(x, (cell*nnInputs+i)*nnHidden+h)*m.wInSd.at1(x, k) + m.wIn.at1(x, k)
			act += age * win
		}
		wout := m.wOutRaw.at1(x, cell*nnHidden+h)*m.wOutSd.at1(x, h) + m.wOut.at1(x, h)
		out += math.Tanh(act) * wout
	}
	return out
}

func (m *neuralNet) noise(x []float64, site, gender int) float64 { return m.sigma.at2(x, gender, site) }

func (m *neuralNet) trend(x []float64, age float64) float64 {
	out := 0.0
	for h := 0; h < nnHidden; h++ {
		act := 0.0
		for i := 0; i < nnInputs; i++ {
			act += age * m.wIn.at1(x, i*nnHidden+h)
		}
		out += math.Tanh(act) * m.wOut.at1(x, h)
	}
	return out
}
