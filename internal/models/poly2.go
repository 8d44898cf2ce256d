package models

// poly2 adds a second-order age term with its own hyper-priors.
type poly2 struct {
	hyper
	slopes   ref
	slopes2  ref
	muSlope2 ref
	sigma    ref
}

func (m *poly2) params(sites, genders int) []ParamSpec {
	return []ParamSpec{
		param("slopes", slopePrior, genders, sites),
		param("mu_prior_slope_2", Prior{Family: Normal, A: Const(0), B: Const(1e5)}),
		param("sigma_prior_slope_2", Prior{Family: HalfCauchy, A: Const(5)}),
		param("slopes_2", Prior{Family: Normal, A: Ref("mu_prior_slope_2"), B: Ref("sigma_prior_slope_2")}, genders, sites),
		param("sigma_error", noisePrior, genders, sites),
	}
}

func (m *poly2) resolve(l *layout) {
	m.resolveHyper(l)
	m.slopes = l.ref("slopes")
	m.slopes2 = l.ref("slopes_2")
	m.muSlope2 = l.ref("mu_prior_slope_2")
	m.sigma = l.ref("sigma_error")
}

func (m *poly2) mean(x []float64, age float64, site, gender int) float64 {
	return m.intercepts.at1(x, site) +
		age*m.slopes.at2(x, gender, site) +
		age*age*m.slopes2.at2(x, gender, site)
}

func (m *poly2) noise(x []float64, site, gender int) float64 { return m.sigma.at2(x, gender, site) }

func (m *poly2) trend(x []float64, age float64) float64 {
	return age*age*m.muSlope2.scalar(x) + m.linearTrend(x, age)
}
