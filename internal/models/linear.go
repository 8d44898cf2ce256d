package models

var (
	slopePrior = Prior{Family: Normal, A: Ref("mu_prior_slope"), B: Ref("sigma_prior_slope")}
	noisePrior = Prior{Family: Uniform, A: Const(0), B: Const(100)}
)

// hyper resolves the parameters every variant declares.
type hyper struct {
	muIntercept ref
	muSlope     ref
	intercepts  ref
}

func (h *hyper) resolveHyper(l *layout) {
	h.muIntercept = l.ref("mu_prior_intercept")
	h.muSlope = l.ref("mu_prior_slope")
	h.intercepts = l.ref("intercepts")
}

func (h *hyper) linearTrend(x []float64, age float64) float64 {
	return age*h.muSlope.scalar(x) + h.muIntercept.scalar(x)
}

// linRandInt: random intercept per site, slope per gender, one noise scale.
type linRandInt struct {
	hyper
	slopes ref
	sigma  ref
}

func (m *linRandInt) params(sites, genders int) []ParamSpec {
	return []ParamSpec{
		param("slopes", slopePrior, genders),
		param("sigma_error", noisePrior),
	}
}

func (m *linRandInt) resolve(l *layout) {
	m.resolveHyper(l)
	m.slopes = l.ref("slopes")
	m.sigma = l.ref("sigma_error")
}

func (m *linRandInt) mean(x []float64, age float64, site, gender int) float64 {
	return m.intercepts.at1(x, site) + age*m.slopes.at1(x, gender)
}

func (m *linRandInt) noise(x []float64, site, gender int) float64 { return m.sigma.scalar(x) }

func (m *linRandInt) trend(x []float64, age float64) float64 { return m.linearTrend(x, age) }

// linRandIntSlp: slope per (gender, site) cell.
type linRandIntSlp struct {
	hyper
	slopes ref
	sigma  ref
}

func (m *linRandIntSlp) params(sites, genders int) []ParamSpec {
	return []ParamSpec{
		param("slopes", slopePrior, genders, sites),
		param("sigma_error", noisePrior),
	}
}

func (m *linRandIntSlp) resolve(l *layout) {
	m.resolveHyper(l)
	m.slopes = l.ref("slopes")
	m.sigma = l.ref("sigma_error")
}

func (m *linRandIntSlp) mean(x []float64, age float64, site, gender int) float64 {
	return m.intercepts.at1(x, site) + age*m.slopes.at2(x, gender, site)
}

func (m *linRandIntSlp) noise(x []float64, site, gender int) float64 { return m.sigma.scalar(x) }

func (m *linRandIntSlp) trend(x []float64, age float64) float64 { return m.linearTrend(x, age) }

// linRandIntSlpNse adds a noise scale per (gender, site) cell.
type linRandIntSlpNse struct {
	linRandIntSlp
}

func (m *linRandIntSlpNse) params(sites, genders int) []ParamSpec {
	return []ParamSpec{
		param("slopes", slopePrior, genders, sites),
		param("sigma_error", noisePrior, genders, sites),
	}
}

func (m *linRandIntSlpNse) noise(x []float64, site, gender int) float64 {
	return m.sigma.at2(x, gender, site)
}
