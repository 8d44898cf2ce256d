package models

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"hbrnorm/internal/data"
	"hbrnorm/internal/mcmc"
)

// ref locates one parameter inside a flat point.
type ref struct {
	off   int
	shape []int
}

func (r ref) scalar(x []float64) float64     { return x[r.off] }
func (r ref) at1(x []float64, i int) float64 { return x[r.off+i] }
func (r ref) at2(x []float64, i, j int) float64 {
	return x[r.off+i*r.shape[1]+j]
}

type layout struct {
	specs   []ParamSpec
	offsets []int
	index   map[string]int
	dim     int
}

func newLayout(specs []ParamSpec) *layout {
	l := &layout{specs: specs, offsets: make([]int, len(specs)), index: map[string]int{}}
	for i, s := range specs {
		l.offsets[i] = l.dim
		l.index[s.Name] = i
		l.dim += s.Size()
	}
	return l
}

func (l *layout) ref(name string) ref {
	i, ok := l.index[name]
	if !ok {
		panic("models: undeclared parameter " + name)
	}
	return ref{off: l.offsets[i], shape: l.specs[i].Shape}
}

// structure is the variant-specific part of the graph: its extra parameters
// and the mean and noise expressions of the likelihood.
type structure interface {
	params(sites, genders int) []ParamSpec
	resolve(l *layout)
	mean(x []float64, age float64, site, gender int) float64
	noise(x []float64, site, gender int) float64
	// trend is the population mean at age using group-level parameters only.
	trend(x []float64, age float64) float64
}

type priorTerm struct {
	family     Family
	off, size  int
	a, b       float64
	aRef, bRef int // offsets of referenced scalars, -1 for constants
	tr         transform
}

// graph is the declarative model: parameters with priors plus a variant
// structure. It holds no covariates.
type graph struct {
	variant Variant
	sites   int
	genders int
	layout  *layout
	st      structure
	terms   []priorTerm
}

func commonParams(sites int) []ParamSpec {
	return []ParamSpec{
		param("mu_prior_intercept", Prior{Family: Normal, A: Const(0), B: Const(1e5)}),
		param("sigma_prior_intercept", Prior{Family: HalfCauchy, A: Const(5)}),
		param("mu_prior_slope", Prior{Family: Normal, A: Const(0), B: Const(1e5)}),
		param("sigma_prior_slope", Prior{Family: HalfCauchy, A: Const(5)}),
		param("intercepts", Prior{Family: Normal, A: Ref("mu_prior_intercept"), B: Ref("sigma_prior_intercept")}, sites),
	}
}

func newGraph(v Variant, st structure, sites, genders int) *graph {
	specs := append(commonParams(sites), st.params(sites, genders)...)
	l := newLayout(specs)
	st.resolve(l)
	g := &graph{variant: v, sites: sites, genders: genders, layout: l, st: st}
	for i, s := range specs {
		t := priorTerm{
			family: s.Prior.Family,
			off:    l.offsets[i],
			size:   s.Size(),
			a:      s.Prior.A.Value,
			b:      s.Prior.B.Value,
			aRef:   -1,
			bRef:   -1,
			tr:     transformFor(s.Prior),
		}
		if s.Prior.A.IsRef() {
			t.aRef = l.ref(s.Prior.A.Param).off
		}
		if s.Prior.B.IsRef() {
			t.bRef = l.ref(s.Prior.B.Param).off
		}
		g.terms = append(g.terms, t)
	}
	return g
}

func (g *graph) dim() int { return g.layout.dim }

// constrain maps an unconstrained point z onto parameter supports, writing
// into x, and returns the log absolute Jacobian.
func (g *graph) constrain(z, x []float64) float64 {
	lj := 0.0
	for _, t := range g.terms {
		for k := t.off; k < t.off+t.size; k++ {
			v, j := t.tr.forward(z[k])
			x[k] = v
			lj += j
		}
	}
	return lj
}

func (g *graph) initial() []float64 {
	z := make([]float64, g.dim())
	for i, s := range g.layout.specs {
		v := g.terms[i].tr.inverse(testValue(s.Prior))
		for k := g.terms[i].off; k < g.terms[i].off+g.terms[i].size; k++ {
			z[k] = v
		}
	}
	return z
}

func (g *graph) logPrior(x []float64) float64 {
	lp := 0.0
	for _, t := range g.terms {
		a, b := t.a, t.b
		if t.aRef >= 0 {
			a = x[t.aRef]
		}
		if t.bRef >= 0 {
			b = x[t.bRef]
		}
		for k := t.off; k < t.off+t.size; k++ {
			lp += logDensity(t.family, a, b, x[k])
		}
	}
	return lp
}

// bind snapshots covariates against the graph. The snapshot owns copies, so
// later changes to cov do not affect it.
func (g *graph) bind(cov data.Covariates) *bound {
	b := &bound{
		g:      g,
		age:    append([]float64(nil), cov.Age...),
		site:   append([]int(nil), cov.SiteID...),
		gender: append([]int(nil), cov.GenderID...),
	}
	return b
}

type bound struct {
	g      *graph
	age    []float64
	site   []int
	gender []int
}

func (b *bound) len() int { return len(b.age) }

func (b *bound) meanNoise(x []float64, i int) (float64, float64) {
	st := b.g.st
	return st.mean(x, b.age[i], b.site[i], b.gender[i]), st.noise(x, b.site[i], b.gender[i])
}

func (b *bound) logLik(x, y []float64) float64 {
	ll := 0.0
	for i := range b.age {
		mu, sd := b.meanNoise(x, i)
		ll += distuv.Normal{Mu: mu, Sigma: sd}.LogProb(y[i])
	}
	return ll
}

// logDensity is the joint log density of the observed outcome y at an
// unconstrained point z.
func (b *bound) logDensity(z, y []float64) float64 {
	x := make([]float64, len(z))
	lp := b.g.constrain(z, x)
	lp += b.g.logPrior(x)
	if math.IsNaN(lp) || math.IsInf(lp, -1) {
		return math.Inf(-1)
	}
	return lp + b.logLik(x, y)
}

func (b *bound) target(y []float64) mcmc.Target {
	obs := append([]float64(nil), y...)
	return &mcmc.Density{
		Start: b.g.initial(),
		Func:  func(z []float64) float64 { return b.logDensity(z, obs) },
	}
}
