package models

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"hbrnorm/internal/config"
	"hbrnorm/internal/data"
	"hbrnorm/internal/mcmc"
)

func quickSampling(seed int64) config.Sampling {
	cfg := config.DefaultSampling()
	cfg.Draws = 40
	cfg.Tune = 40
	cfg.PredictiveSamples = 200
	cfg.Seed = seed
	return cfg
}

func cohort(t *testing.T, sites, genders, n int) data.Cohort {
	t.Helper()
	return data.Synthetic(data.SyntheticSpec{
		N: n, Sites: sites, Genders: genders,
		AgeMin: 2, AgeMax: 8, Slope: 2, Noise: 0.5,
	}, rand.New(rand.NewSource(1)))
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParamShapesPerVariant(t *testing.T) {
	const sites, genders = 2, 3
	common := map[string][]int{
		"mu_prior_intercept":    nil,
		"sigma_prior_intercept": nil,
		"mu_prior_slope":        nil,
		"sigma_prior_slope":     nil,
		"intercepts":            {sites},
	}
	cases := map[Variant]map[string][]int{
		LinearRandomIntercept: {
			"slopes":      {genders},
			"sigma_error": nil,
		},
		LinearRandomSlope: {
			"slopes":      {genders, sites},
			"sigma_error": nil,
		},
		LinearRandomSlopeNoise: {
			"slopes":      {genders, sites},
			"sigma_error": {genders, sites},
		},
		Polynomial2: {
			"slopes":              {genders, sites},
			"mu_prior_slope_2":    nil,
			"sigma_prior_slope_2": nil,
			"slopes_2":            {genders, sites},
			"sigma_error":         {genders, sites},
		},
		NeuralNetwork: {
			"w_in_1_grp":     {1, 2},
			"w_in_1_grp_sd":  {1, 2},
			"w_1_out_grp":    {2},
			"w_1_out_grp_sd": {2},
			"w_in_1":         {genders, sites, 1, 2},
			"w_1_out":        {genders, sites, 2},
			"sigma_error":    {genders, sites},
		},
	}
	c := cohort(t, sites, genders, 30)
	for variant, extra := range cases {
		m, err := NewHBR(c, variant, quickSampling(1))
		if err != nil {
			t.Fatalf("%s: new: %v", variant, err)
		}
		if s, g := m.Levels(); s != sites || g != genders {
			t.Fatalf("%s: levels %d,%d", variant, s, g)
		}
		params := m.Params()
		if len(params) != len(common)+len(extra) {
			t.Fatalf("%s: %d params, want %d", variant, len(params), len(common)+len(extra))
		}
		for _, p := range params {
			want, ok := extra[p.Name]
			if !ok {
				want, ok = common[p.Name]
			}
			if !ok {
				t.Fatalf("%s: unexpected parameter %s", variant, p.Name)
			}
			if !sameShape(p.Shape, want) {
				t.Fatalf("%s: %s shape %v want %v", variant, p.Name, p.Shape, want)
			}
		}
	}
}

func TestUnknownVariantFailsBeforeSampling(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := NewMockSampler(ctrl)
	sampler.EXPECT().Sample(gomock.Any(), gomock.Any()).Times(0)

	c := cohort(t, 2, 2, 12)
	for _, tag := range []Variant{Linear, "poly3", ""} {
		m, err := NewHBR(c, tag, quickSampling(1), WithSampler(sampler))
		if !errors.Is(err, ErrUnknownVariant) {
			t.Fatalf("%q: expected ErrUnknownVariant, got %v", tag, err)
		}
		if m != nil {
			t.Fatalf("%q: expected no model", tag)
		}
	}
	if _, err := ParseVariant("lin"); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected lin to be rejected, got %v", err)
	}
	if v, err := ParseVariant("poly2"); err != nil || v != Polynomial2 {
		t.Fatalf("parse poly2: %v %v", v, err)
	}
}

func TestNewHBRRejectsBadCohorts(t *testing.T) {
	c := cohort(t, 2, 2, 12)
	c.Y = c.Y[:5]
	if _, err := NewHBR(c, LinearRandomIntercept, quickSampling(1)); !errors.Is(err, data.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	sparse := cohort(t, 2, 2, 12)
	for i := range sparse.SiteID {
		if sparse.SiteID[i] == 1 {
			sparse.SiteID[i] = 5
		}
	}
	if _, err := NewHBR(sparse, LinearRandomIntercept, quickSampling(1)); !errors.Is(err, ErrLevelOutOfRange) {
		t.Fatalf("expected ErrLevelOutOfRange, got %v", err)
	}

	bad := quickSampling(1)
	bad.Chains = 0
	if _, err := NewHBR(cohort(t, 2, 2, 12), LinearRandomIntercept, bad); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestEstimatePropagatesSamplerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := NewMockSampler(ctrl)
	boom := errors.New("numerical failure")
	sampler.EXPECT().Sample(gomock.Any(), gomock.Any()).Return(nil, boom)

	m, err := NewHBR(cohort(t, 2, 2, 12), LinearRandomSlope, quickSampling(1), WithSampler(sampler))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.Estimate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected sampler error, got %v", err)
	}
	if m.Trace() != nil {
		t.Fatal("failed estimate must not attach a trace")
	}
}

func TestPredictBeforeEstimate(t *testing.T) {
	c := cohort(t, 2, 2, 12)
	m, err := NewHBR(c, LinearRandomIntercept, quickSampling(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.Predict(context.Background(), c.Covariates); !errors.Is(err, ErrNotEstimated) {
		t.Fatalf("expected ErrNotEstimated, got %v", err)
	}
}

// fixedResult builds a sampler result where every draw equals z.
func fixedResult(z []float64, chains, draws int) *mcmc.Result {
	res := &mcmc.Result{Draws: make([][][]float64, chains), Stats: make([]mcmc.ChainStats, chains)}
	for c := range res.Draws {
		for d := 0; d < draws; d++ {
			res.Draws[c] = append(res.Draws[c], append([]float64(nil), z...))
		}
		res.Stats[c].Chain = c
	}
	return res
}

func offsets(params []ParamSpec) map[string]int {
	out := map[string]int{}
	off := 0
	for _, p := range params {
		out[p.Name] = off
		off += p.Size()
	}
	return out
}

func TestPredictWithKnownPosterior(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := NewMockSampler(ctrl)

	c := cohort(t, 2, 2, 12)
	m, err := NewHBR(c, LinearRandomIntercept, quickSampling(3), WithSampler(sampler))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	params := m.Params()
	off := offsets(params)
	dim := 0
	for _, p := range params {
		dim += p.Size()
	}
	z := make([]float64, dim)
	z[off["mu_prior_intercept"]] = 1.5
	z[off["mu_prior_slope"]] = 2
	z[off["intercepts"]] = 1.5
	z[off["intercepts"]+1] = 1.5
	z[off["slopes"]] = 2
	z[off["slopes"]+1] = 2
	z[off["sigma_error"]] = interval{lo: 0, hi: 100}.inverse(0.01)

	sampler.EXPECT().Sample(gomock.Any(), gomock.Any()).Return(fixedResult(z, 2, 5), nil)
	tr, err := m.Estimate(context.Background())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if tr.Len() != 10 || tr.Chains() != 2 || tr.Draws() != 5 {
		t.Fatalf("trace shape len=%d chains=%d draws=%d", tr.Len(), tr.Chains(), tr.Draws())
	}
	if got := tr.Mean("sigma_error")[0]; math.Abs(got-0.01) > 1e-9 {
		t.Fatalf("sigma_error mean %v, want constrained 0.01", got)
	}
	if got := tr.Mean("sigma_prior_slope")[0]; math.Abs(got-1) > 1e-12 {
		t.Fatalf("sigma_prior_slope %v, want exp(0)", got)
	}

	cov := data.Covariates{Age: []float64{3, 5, 7}, SiteID: []int{0, 1, 0}, GenderID: []int{1, 0, 0}}
	pred, err := m.Predict(context.Background(), cov)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i, age := range cov.Age {
		want := 2*age + 1.5
		if math.Abs(pred.Mean[i]-want) > 0.005 {
			t.Fatalf("mean[%d]=%v want %v", i, pred.Mean[i], want)
		}
		if pred.Var[i] < 0.5e-4 || pred.Var[i] > 2e-4 {
			t.Fatalf("var[%d]=%v want about 1e-4", i, pred.Var[i])
		}
		if math.Abs(pred.GroupMean[i]-want) > 1e-12 || pred.GroupVar[i] != 0 {
			t.Fatalf("group[%d]=%v/%v want %v/0", i, pred.GroupMean[i], pred.GroupVar[i], want)
		}
	}
	summary := tr.Summary()
	if s, ok := summary["slopes[1]"]; !ok || s.Mean != 2 {
		t.Fatalf("summary slopes[1]=%+v", s)
	}
}

func TestPredictRejectsUnseenLevels(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := NewMockSampler(ctrl)
	m, err := NewHBR(cohort(t, 2, 2, 12), LinearRandomIntercept, quickSampling(1), WithSampler(sampler))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	z := make([]float64, len(m.graph.initial()))
	sampler.EXPECT().Sample(gomock.Any(), gomock.Any()).Return(fixedResult(z, 1, 2), nil)
	if _, err := m.Estimate(context.Background()); err != nil {
		t.Fatalf("estimate: %v", err)
	}
	cov := data.Covariates{Age: []float64{4}, SiteID: []int{2}, GenderID: []int{0}}
	if _, err := m.Predict(context.Background(), cov); !errors.Is(err, ErrLevelOutOfRange) {
		t.Fatalf("expected ErrLevelOutOfRange, got %v", err)
	}
	cov = data.Covariates{Age: []float64{4, 5}, SiteID: []int{0}, GenderID: []int{0, 1}}
	if _, err := m.Predict(context.Background(), cov); !errors.Is(err, data.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestConcurrentPredict(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := NewMockSampler(ctrl)
	m, err := NewHBR(cohort(t, 2, 2, 12), LinearRandomSlopeNoise, quickSampling(5), WithSampler(sampler))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	z := m.graph.initial()
	sampler.EXPECT().Sample(gomock.Any(), gomock.Any()).Return(fixedResult(z, 2, 10), nil)
	if _, err := m.Estimate(context.Background()); err != nil {
		t.Fatalf("estimate: %v", err)
	}

	cov := data.Covariates{Age: []float64{3, 4, 5}, SiteID: []int{0, 1, 1}, GenderID: []int{1, 0, 1}}
	preds := make([]*Prediction, 4)
	var g errgroup.Group
	for i := range preds {
		i := i
		g.Go(func() error {
			p, err := m.Predict(context.Background(), cov)
			preds[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent predict: %v", err)
	}
	for i, p := range preds {
		if len(p.Mean) != cov.Len() || len(p.Var) != cov.Len() {
			t.Fatalf("prediction %d has lengths %d/%d", i, len(p.Mean), len(p.Var))
		}
		for j := range p.GroupMean {
			if p.GroupMean[j] != preds[0].GroupMean[j] {
				t.Fatalf("group trend differs across calls at %d", j)
			}
		}
	}
	if cov.Age[0] != 3 || cov.SiteID[1] != 1 {
		t.Fatal("predict modified caller covariates")
	}
}

func TestEstimateIsNotIdempotent(t *testing.T) {
	m, err := NewHBR(cohort(t, 2, 2, 20), LinearRandomSlopeNoise, quickSampling(9))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first, err := m.Estimate(context.Background())
	if err != nil {
		t.Fatalf("first estimate: %v", err)
	}
	second, err := m.Estimate(context.Background())
	if err != nil {
		t.Fatalf("second estimate: %v", err)
	}
	if m.Trace() != second {
		t.Fatal("second estimate must replace the stored trace")
	}
	names := first.Names()
	if len(names) != len(second.Names()) {
		t.Fatalf("parameter names differ: %v vs %v", names, second.Names())
	}
	differs := false
	for i, name := range names {
		if second.Names()[i] != name || !sameShape(first.Shape(name), second.Shape(name)) {
			t.Fatalf("%s: name or shape differs across traces", name)
		}
		a, b := first.Samples(name), second.Samples(name)
		if len(a) != len(b) || len(a[0]) != len(b[0]) {
			t.Fatalf("%s: sample arrays differ in shape", name)
		}
		if a[len(a)-1][0] != b[len(b)-1][0] {
			differs = true
		}
	}
	if !differs {
		t.Fatal("expected two estimates to produce different draws")
	}
}

func TestPredictShapesAndVarianceForEveryVariant(t *testing.T) {
	c := cohort(t, 2, 2, 24)
	cov := data.Covariates{
		Age:      []float64{2.5, 4, 5.5, 7, 7.5, 3},
		SiteID:   []int{0, 1, 0, 1, 0, 1},
		GenderID: []int{0, 0, 1, 1, 0, 1},
	}
	for _, v := range Variants() {
		m, err := NewHBR(c, v, quickSampling(4))
		if err != nil {
			t.Fatalf("%s: new: %v", v, err)
		}
		if _, err := m.Estimate(context.Background()); err != nil {
			t.Fatalf("%s: estimate: %v", v, err)
		}
		pred, err := m.Predict(context.Background(), cov)
		if err != nil {
			t.Fatalf("%s: predict: %v", v, err)
		}
		for _, got := range [][]float64{pred.Mean, pred.Var, pred.GroupMean, pred.GroupVar} {
			if len(got) != cov.Len() {
				t.Fatalf("%s: output length %d want %d", v, len(got), cov.Len())
			}
		}
		for i := range pred.Var {
			if !(pred.Var[i] >= 0) || !(pred.GroupVar[i] >= 0) {
				t.Fatalf("%s: negative or NaN variance at %d: %v %v", v, i, pred.Var[i], pred.GroupVar[i])
			}
			if math.IsNaN(pred.Mean[i]) {
				t.Fatalf("%s: NaN mean at %d", v, i)
			}
		}
	}
}

func TestLinearRandomInterceptRecoversTrend(t *testing.T) {
	if testing.Short() {
		t.Skip("full sampling run")
	}
	c := cohort(t, 2, 2, 40)
	cfg := config.DefaultSampling()
	cfg.Seed = 2024
	m, err := NewHBR(c, LinearRandomIntercept, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr, err := m.Estimate(context.Background())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if tr.Len() != 2000 {
		t.Fatalf("expected 2000 pooled draws, got %d", tr.Len())
	}
	cov := data.Covariates{
		Age:      []float64{2.5, 3.7, 5.1, 6.4, 7.8},
		SiteID:   []int{0, 1, 0, 1, 0},
		GenderID: []int{1, 0, 0, 1, 1},
	}
	pred, err := m.Predict(context.Background(), cov)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i, age := range cov.Age {
		if d := math.Abs(pred.Mean[i] - 2*age); d > 3*math.Sqrt(pred.Var[i]) {
			t.Fatalf("age %v: mean %v var %v too far from %v", age, pred.Mean[i], pred.Var[i], 2*age)
		}
	}
}

func TestPolynomial2RecoversQuadratic(t *testing.T) {
	if testing.Short() {
		t.Skip("full sampling run")
	}
	const quad = 1.5
	c := data.Synthetic(data.SyntheticSpec{
		N: 80, Sites: 2, Genders: 2,
		AgeMin: -2, AgeMax: 2,
		Intercept: 1, Slope: 0.5, Quad: quad, Noise: 0.3,
	}, rand.New(rand.NewSource(17)))
	cfg := config.DefaultSampling()
	cfg.Draws = 500
	cfg.Seed = 99
	m, err := NewHBR(c, Polynomial2, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr, err := m.Estimate(context.Background())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	cells := tr.Mean("slopes_2")
	if len(cells) != 4 {
		t.Fatalf("expected 4 cells, got %d", len(cells))
	}
	avg := 0.0
	for _, v := range cells {
		avg += v / float64(len(cells))
	}
	if math.Abs(avg-quad) > 0.25 {
		t.Fatalf("recovered quadratic %v, want %v (cells %v)", avg, quad, cells)
	}
}

func TestPopMeanVariance(t *testing.T) {
	mean, v := popMeanVariance([]float64{1, 2, 3})
	if mean != 2 || math.Abs(v-2.0/3) > 1e-15 {
		t.Fatalf("got %v/%v want 2/0.667", mean, v)
	}
	if mean, v := popMeanVariance([]float64{4}); mean != 4 || v != 0 {
		t.Fatalf("single sample %v/%v", mean, v)
	}
	if mean, v := popMeanVariance([]float64{5, 5, 5, 5}); mean != 5 || v != 0 {
		t.Fatalf("constant samples %v/%v", mean, v)
	}
	if mean, v := popMeanVariance(nil); !math.IsNaN(mean) || !math.IsNaN(v) {
		t.Fatalf("empty input %v/%v", mean, v)
	}
}
