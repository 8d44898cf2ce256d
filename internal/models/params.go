package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

type Family int

const (
	Normal Family = iota
	HalfCauchy
	HalfNormal
	Uniform
)

func (f Family) String() string {
	switch f {
	case Normal:
		return "Normal"
	case HalfCauchy:
		return "HalfCauchy"
	case HalfNormal:
		return "HalfNormal"
	case Uniform:
		return "Uniform"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// Arg is a prior argument: either a constant or the name of a scalar
// parameter.
type Arg struct {
	Param string  `json:"param,omitempty"`
	Value float64 `json:"value"`
}

func Const(v float64) Arg { return Arg{Value: v} }
func Ref(name string) Arg { return Arg{Param: name} }
func (a Arg) IsRef() bool { return a.Param != "" }

func (a Arg) String() string {
	if a.IsRef() {
		return a.Param
	}
	return fmt.Sprint(a.Value)
}

// Prior arguments per family: Normal(mu, sigma), HalfCauchy(beta),
// HalfNormal(sigma), Uniform(lower, upper).
type Prior struct {
	Family Family
	A, B   Arg
}

func (p Prior) String() string {
	switch p.Family {
	case HalfCauchy, HalfNormal:
		return fmt.Sprintf("%s(%s)", p.Family, p.A)
	}
	return fmt.Sprintf("%s(%s, %s)", p.Family, p.A, p.B)
}

type ParamSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Prior Prior  `json:"-"`
}

func (p ParamSpec) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

func param(name string, prior Prior, shape ...int) ParamSpec {
	return ParamSpec{Name: name, Shape: shape, Prior: prior}
}

const log2 = math.Ln2

func logDensity(f Family, a, b, x float64) float64 {
	switch f {
	case Normal:
		return distuv.Normal{Mu: a, Sigma: b}.LogProb(x)
	case HalfCauchy:
		if x < 0 {
			return math.Inf(-1)
		}
		z := x / a
		return log2 - math.Log(math.Pi*a) - math.Log1p(z*z)
	case HalfNormal:
		if x < 0 {
			return math.Inf(-1)
		}
		return log2 + distuv.Normal{Mu: 0, Sigma: a}.LogProb(x)
	case Uniform:
		return distuv.Uniform{Min: a, Max: b}.LogProb(x)
	}
	return math.NaN()
}

// testValue is the constrained starting point for a prior, before jitter.
func testValue(p Prior) float64 {
	switch p.Family {
	case Normal:
		if p.A.IsRef() {
			return 0
		}
		return p.A.Value
	case HalfCauchy:
		return p.A.Value
	case HalfNormal:
		return 0.6745 * p.A.Value
	case Uniform:
		return 0.5 * (p.A.Value + p.B.Value)
	}
	return 0
}

// transform maps between the unconstrained sampling space and a family's
// support.
type transform interface {
	forward(z float64) (x, logJac float64)
	inverse(x float64) float64
}

type identity struct{}

func (identity) forward(z float64) (float64, float64) { return z, 0 }
func (identity) inverse(x float64) float64             { return x }

type logTransform struct{}

func (logTransform) forward(z float64) (float64, float64) { return math.Exp(z), z }
func (logTransform) inverse(x float64) float64             { return math.Log(x) }

type interval struct{ lo, hi float64 }

func (t interval) forward(z float64) (float64, float64) {
	s := sigmoid(z)
	return t.lo + (t.hi-t.lo)*s, math.Log(t.hi-t.lo) - softplus(-z) - softplus(z)
}

func (t interval) inverse(x float64) float64 {
	u := (x - t.lo) / (t.hi - t.lo)
	return math.Log(u) - math.Log1p(-u)
}

func transformFor(p Prior) transform {
	switch p.Family {
	case HalfCauchy, HalfNormal:
		return logTransform{}
	case Uniform:
		return interval{lo: p.A.Value, hi: p.B.Value}
	}
	return identity{}
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// softplus computes log(1+exp(z)) without overflow.
func softplus(z float64) float64 {
	if z > 30 {
		return z
	}
	return math.Log1p(math.Exp(z))
}
