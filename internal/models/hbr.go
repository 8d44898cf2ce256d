package models

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"hbrnorm/internal/config"
	"hbrnorm/internal/data"
	"hbrnorm/internal/features"
	"hbrnorm/internal/mcmc"
)

// HBR is a hierarchical Bayesian regression of an outcome on age with site
// and gender structure.
//
//	m, _ := NewHBR(cohort, LinearRandomIntercept, config.DefaultSampling())
//	trace, _ := m.Estimate(ctx)
//	pred, _ := m.Predict(ctx, newSubjects)
type HBR struct {
	cfg     config.Sampling
	graph   *graph
	train   *bound
	y       []float64
	sampler Sampler
	logger  *zap.Logger

	mu    sync.RWMutex
	trace *Trace

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ Model = (*HBR)(nil)

type Option func(*HBR)

func WithLogger(l *zap.Logger) Option {
	return func(m *HBR) { m.logger = l }
}

// WithSampler replaces the default NUTS sampler built from the config.
func WithSampler(s Sampler) Option {
	return func(m *HBR) { m.sampler = s }
}

// NewHBR builds the model graph for variant over the training cohort. Site
// and gender counts are the number of distinct ids observed.
func NewHBR(cohort data.Cohort, variant Variant, cfg config.Sampling, opts ...Option) (*HBR, error) {
	st, err := structureFor(variant)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cohort.Validate(); err != nil {
		return nil, err
	}
	sites := features.CountLevels(cohort.SiteID)
	genders := features.CountLevels(cohort.GenderID)
	if err := checkLevels(cohort.Covariates, sites, genders); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m := &HBR{
		cfg:    cfg,
		graph:  newGraph(variant, st, sites, genders),
		y:      append([]float64(nil), cohort.Y...),
		logger: zap.NewNop(),
		rng:    rand.New(rand.NewSource(seed + 1)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		nuts := mcmc.NewNUTS(cfg)
		nuts.Logger = m.logger
		m.sampler = nuts
	}
	m.train = m.graph.bind(cohort.Covariates)
	m.logger.Info("model built",
		zap.String("variant", string(variant)),
		zap.Int("sites", sites),
		zap.Int("genders", genders),
		zap.Int("subjects", cohort.Len()),
		zap.Int("dim", m.graph.dim()),
	)
	return m, nil
}

func checkLevels(cov data.Covariates, sites, genders int) error {
	for i := range cov.Age {
		if s := cov.SiteID[i]; s < 0 || s >= sites {
			return errors.Wrapf(ErrLevelOutOfRange, "subject %d: site %d not in [0,%d)", i, s, sites)
		}
		if g := cov.GenderID[i]; g < 0 || g >= genders {
			return errors.Wrapf(ErrLevelOutOfRange, "subject %d: gender %d not in [0,%d)", i, g, genders)
		}
	}
	return nil
}

func (m *HBR) Name() string { return "HBR/" + string(m.graph.variant) }

func (m *HBR) Variant() Variant { return m.graph.variant }

// Levels returns the site and gender counts learned at construction.
func (m *HBR) Levels() (sites, genders int) { return m.graph.sites, m.graph.genders }

// Params lists the free parameters with their shapes.
func (m *HBR) Params() []ParamSpec {
	out := make([]ParamSpec, len(m.graph.layout.specs))
	for i, s := range m.graph.layout.specs {
		s.Shape = append([]int(nil), s.Shape...)
		out[i] = s
	}
	return out
}

// Trace returns the attached posterior trace, or nil before Estimate.
func (m *HBR) Trace() *Trace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trace
}

// Estimate samples the posterior and replaces any previous trace.
func (m *HBR) Estimate(ctx context.Context) (*Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.sampler.Sample(ctx, m.train.target(m.y))
	if err != nil {
		return nil, errors.Wrapf(err, "estimate %s", m.graph.variant)
	}
	m.trace = newTrace(m.graph, res)
	if n := res.Divergences(); n > 0 {
		m.logger.Warn("posterior has divergent transitions",
			zap.String("variant", string(m.graph.variant)),
			zap.Int("divergences", n),
		)
	}
	return m.trace, nil
}

// Prediction holds per-subject posterior predictive moments and the
// population trend implied by the group-level parameters alone.
type Prediction struct {
	Mean      []float64 `json:"mean"`
	Var       []float64 `json:"var"`
	GroupMean []float64 `json:"group_mean"`
	GroupVar  []float64 `json:"group_var"`
}

// Predict draws posterior predictive samples for new subjects. It binds the
// covariates to a private snapshot of the graph and never changes the model.
func (m *HBR) Predict(ctx context.Context, cov data.Covariates) (*Prediction, error) {
	if err := cov.Validate(); err != nil {
		return nil, err
	}
	if err := checkLevels(cov, m.graph.sites, m.graph.genders); err != nil {
		return nil, err
	}
	tr := m.Trace()
	if tr == nil || tr.Len() == 0 {
		return nil, ErrNotEstimated
	}
	b := m.graph.bind(cov)
	rng := m.predictionRNG()

	n, k := b.len(), m.cfg.PredictiveSamples
	samples := make([][]float64, n)
	for i := range samples {
		samples[i] = make([]float64, k)
	}
	order := rng.Perm(tr.Len())
	for j := 0; j < k; j++ {
		if j%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, "prediction interrupted")
			}
		}
		x := tr.points[order[j%len(order)]]
		for i := 0; i < n; i++ {
			mu, sd := b.meanNoise(x, i)
			samples[i][j] = mu + sd*rng.NormFloat64()
		}
	}

	pred := &Prediction{
		Mean:      make([]float64, n),
		Var:       make([]float64, n),
		GroupMean: make([]float64, n),
		GroupVar:  make([]float64, n),
	}
	trend := make([]float64, tr.Len())
	for i := 0; i < n; i++ {
		pred.Mean[i], pred.Var[i] = popMeanVariance(samples[i])
		for d, x := range tr.points {
			trend[d] = m.graph.st.trend(x, b.age[i])
		}
		pred.GroupMean[i], pred.GroupVar[i] = popMeanVariance(trend)
	}
	m.logger.Debug("prediction done",
		zap.String("variant", string(m.graph.variant)),
		zap.Int("subjects", n),
		zap.Int("samples", k),
	)
	return pred, nil
}

func (m *HBR) predictionRNG() *rand.Rand {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return rand.New(rand.NewSource(m.rng.Int63()))
}

// popMeanVariance returns the mean and the population (ddof 0) variance,
// clamped at zero.
func popMeanVariance(x []float64) (float64, float64) {
	if len(x) < 2 {
		if len(x) == 1 {
			return x[0], 0
		}
		return math.NaN(), math.NaN()
	}
	mean, v := stat.PopMeanVariance(x, nil)
	return mean, math.Max(0, v)
}
