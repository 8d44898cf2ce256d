package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"

	"hbrnorm/internal/mcmc"
)

// Trace holds posterior draws on the constrained scale, pooled over chains
// in chain order.
type Trace struct {
	variant Variant
	layout  *layout
	chains  int
	draws   int
	points  [][]float64
	stats   []mcmc.ChainStats
}

func newTrace(g *graph, res *mcmc.Result) *Trace {
	t := &Trace{
		variant: g.variant,
		layout:  g.layout,
		chains:  res.Chains(),
		draws:   res.DrawsPerChain(),
		stats:   append([]mcmc.ChainStats(nil), res.Stats...),
	}
	for _, z := range res.Flatten() {
		x := make([]float64, g.dim())
		g.constrain(z, x)
		t.points = append(t.points, x)
	}
	return t
}

func (t *Trace) Variant() Variant { return t.variant }
func (t *Trace) Chains() int      { return t.chains }
func (t *Trace) Draws() int       { return t.draws }

// Len is the number of pooled draws.
func (t *Trace) Len() int { return len(t.points) }

func (t *Trace) Stats() []mcmc.ChainStats {
	return append([]mcmc.ChainStats(nil), t.stats...)
}

func (t *Trace) Names() []string {
	out := make([]string, len(t.layout.specs))
	for i, s := range t.layout.specs {
		out[i] = s.Name
	}
	return out
}

// Shape returns the parameter shape, nil for scalars and unknown names.
func (t *Trace) Shape(name string) []int {
	i, ok := t.layout.index[name]
	if !ok {
		return nil
	}
	return append([]int(nil), t.layout.specs[i].Shape...)
}

// Samples returns one row per pooled draw holding the flattened parameter,
// or nil if name is not a parameter.
func (t *Trace) Samples(name string) [][]float64 {
	i, ok := t.layout.index[name]
	if !ok {
		return nil
	}
	off, size := t.layout.offsets[i], t.layout.specs[i].Size()
	out := make([][]float64, len(t.points))
	for d, x := range t.points {
		out[d] = append([]float64(nil), x[off:off+size]...)
	}
	return out
}

// Mean is the elementwise posterior mean of a parameter.
func (t *Trace) Mean(name string) []float64 {
	rows := t.Samples(name)
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, 0, len(rows[0]))
	for k := range rows[0] {
		out = append(out, stat.Mean(column(rows, k), nil))
	}
	return out
}

type ParamSummary struct {
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
}

// Summary reports posterior mean and standard deviation for every
// parameter element, keyed like "slopes[1,0]".
func (t *Trace) Summary() map[string]ParamSummary {
	out := map[string]ParamSummary{}
	for _, s := range t.layout.specs {
		rows := t.Samples(s.Name)
		if len(rows) == 0 {
			continue
		}
		for k := 0; k < s.Size(); k++ {
			mean, sd := stat.MeanStdDev(column(rows, k), nil)
			out[elementName(s, k)] = ParamSummary{Mean: mean, SD: sd}
		}
	}
	return out
}

func elementName(s ParamSpec, k int) string {
	if len(s.Shape) == 0 {
		return s.Name
	}
	idx := make([]string, len(s.Shape))
	for d := len(s.Shape) - 1; d >= 0; d-- {
		idx[d] = fmt.Sprint(k % s.Shape[d])
		k /= s.Shape[d]
	}
	return s.Name + "[" + strings.Join(idx, ",") + "]"
}

func column(rows [][]float64, k int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r[k]
	}
	return out
}
