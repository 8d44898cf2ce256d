package mcmc

import (
	"context"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"hbrnorm/internal/config"
)

var (
	ErrBadInitialEnergy = errors.New("bad initial energy")
	// ErrChainPanic wraps a panic recovered inside a chain goroutine.
	ErrChainPanic = errors.New("chain panicked")
)

const (
	maxDeltaEnergy   = 1000.0
	maxInitAttempts  = 100
	maxStepSearches  = 100
	minStepSize      = 1e-12
	maxStepSize      = 1e8
	initJitterRadius = 1.0
)

// NUTS is a No-U-Turn sampler with step size and diagonal mass matrix
// adaptation during tuning. Chain seeds come from one seeded source, so
// repeated Sample calls differ while a run stays reproducible.
type NUTS struct {
	Draws        int
	Tune         int
	Chains       int
	Cores        int
	TargetAccept float64
	MaxTreeDepth int
	Progress     bool
	Logger       *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewNUTS(cfg config.Sampling) *NUTS {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &NUTS{
		Draws:        cfg.Draws,
		Tune:         cfg.Tune,
		Chains:       cfg.Chains,
		Cores:        cfg.Cores,
		TargetAccept: cfg.TargetAccept,
		MaxTreeDepth: cfg.MaxTreeDepth,
		Progress:     cfg.Progress,
		Logger:       zap.NewNop(),
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (s *NUTS) chainSeeds(n int) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = s.rng.Int63()
	}
	return out
}

func (s *NUTS) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Sample runs s.Chains chains against target. Errors from every failing
// chain are combined.
func (s *NUTS) Sample(ctx context.Context, target Target) (*Result, error) {
	if s.Chains < 1 || s.Draws < 1 {
		return nil, errors.Errorf("need at least one chain and one draw, got chains=%d draws=%d", s.Chains, s.Draws)
	}
	logger := s.logger()
	seeds := s.chainSeeds(s.Chains)
	res := &Result{Draws: make([][][]float64, s.Chains), Stats: make([]ChainStats, s.Chains)}
	errs := make([]error, s.Chains)

	var bar *pb.ProgressBar
	if s.Progress {
		bar = pb.New(s.Chains * (s.Tune + s.Draws)).SetWriter(os.Stderr).Start()
		defer bar.Finish()
	}

	logger.Info("sampling started",
		zap.Int("dim", target.Dim()),
		zap.Int("chains", s.Chains),
		zap.Int("draws", s.Draws),
		zap.Int("tune", s.Tune),
	)
	begin := time.Now()

	cores := s.Cores
	if cores < 1 {
		cores = 1
	}
	var g errgroup.Group
	g.SetLimit(cores)
	for c := 0; c < s.Chains; c++ {
		c := c
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[c] = errors.Wrapf(ErrChainPanic, "chain %d: %v", c, r)
				}
			}()
			ch := &chain{
				target:       target,
				rng:          rand.New(rand.NewSource(seeds[c])),
				dim:          target.Dim(),
				draws:        s.Draws,
				tune:         s.Tune,
				targetAccept: s.TargetAccept,
				maxDepth:     s.MaxTreeDepth,
			}
			if bar != nil {
				ch.tick = func() { bar.Increment() }
			}
			draws, stats, err := ch.run(ctx)
			stats.Chain = c
			res.Draws[c] = draws
			res.Stats[c] = stats
			errs[c] = errors.Wrapf(err, "chain %d", c)
			return nil
		})
	}
	_ = g.Wait()
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	for _, st := range res.Stats {
		logger.Debug("chain finished",
			zap.Int("chain", st.Chain),
			zap.Float64("step_size", st.StepSize),
			zap.Float64("mean_accept", st.MeanAccept),
			zap.Float64("mean_tree_depth", st.MeanTreeDepth),
		)
	}
	if n := res.Divergences(); n > 0 {
		logger.Warn("divergent transitions after tuning", zap.Int("divergences", n))
	}
	logger.Info("sampling finished", zap.Duration("elapsed", time.Since(begin)))
	return res, nil
}

type state struct {
	x, p, grad []float64
	logp       float64
}

type chain struct {
	target       Target
	rng          *rand.Rand
	dim          int
	draws        int
	tune         int
	targetAccept float64
	maxDepth     int
	tick         func()

	invMass []float64
	eps     float64
}

func (c *chain) run(ctx context.Context) ([][]float64, ChainStats, error) {
	var stats ChainStats
	c.invMass = make([]float64, c.dim)
	for i := range c.invMass {
		c.invMass[i] = 1
	}
	cur, err := c.start()
	if err != nil {
		return nil, stats, err
	}
	c.eps = c.reasonableStepSize(cur)
	da := newStepSize(c.eps, c.targetAccept)
	windows := adaptationWindows(c.tune)
	wi := 0
	var buf [][]float64

	draws := make([][]float64, 0, c.draws)
	var acceptSum, depthSum float64
	for it := 0; it < c.tune+c.draws; it++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, errors.Wrap(err, "sampling interrupted")
		}
		next, accept, depth, divergent := c.transition(cur)
		cur = next
		if it < c.tune {
			if divergent {
				stats.TuningDivergences++
			}
			c.eps = da.update(accept)
			if wi < len(windows) && it >= windows[wi].start {
				buf = append(buf, clone(cur.x))
				if it == windows[wi].end-1 {
					c.invMass = regularizedVariance(buf, c.dim)
					buf = buf[:0]
					wi++
					c.eps = c.reasonableStepSize(cur)
					da.restart(c.eps)
				}
			}
			if it == c.tune-1 {
				c.eps = da.final()
			}
		} else {
			if divergent {
				stats.Divergences++
			}
			acceptSum += accept
			depthSum += float64(depth)
			draws = append(draws, clone(cur.x))
		}
		if c.tick != nil {
			c.tick()
		}
	}
	stats.StepSize = c.eps
	stats.MeanAccept = acceptSum / float64(c.draws)
	stats.MeanTreeDepth = depthSum / float64(c.draws)
	return draws, stats, nil
}

// start jitters the target's initial point until the density and its
// gradient are finite.
func (c *chain) start() (*state, error) {
	init := c.target.Initial()
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		x := make([]float64, c.dim)
		for i := range x {
			x[i] = init[i] + initJitterRadius*(2*c.rng.Float64()-1)
		}
		lp := c.target.LogProb(x)
		if math.IsNaN(lp) || math.IsInf(lp, 0) {
			continue
		}
		grad := make([]float64, c.dim)
		c.target.Gradient(grad, x)
		if !allFinite(grad) {
			continue
		}
		return &state{x: x, grad: grad, logp: lp}, nil
	}
	return nil, errors.Wrapf(ErrBadInitialEnergy, "no finite starting point after %d attempts", maxInitAttempts)
}

func (c *chain) momentum() []float64 {
	p := make([]float64, c.dim)
	for i := range p {
		p[i] = c.rng.NormFloat64() / math.Sqrt(c.invMass[i])
	}
	return p
}

func (c *chain) kinetic(p []float64) float64 {
	k := 0.0
	for i, v := range p {
		k += v * v * c.invMass[i]
	}
	return 0.5 * k
}

func (c *chain) leapfrog(s *state, eps float64) *state {
	n := &state{
		x:    make([]float64, c.dim),
		p:    make([]float64, c.dim),
		grad: make([]float64, c.dim),
	}
	for i := range n.p {
		n.p[i] = s.p[i] + 0.5*eps*s.grad[i]
	}
	for i := range n.x {
		n.x[i] = s.x[i] + eps*c.invMass[i]*n.p[i]
	}
	n.logp = c.target.LogProb(n.x)
	if math.IsNaN(n.logp) || math.IsInf(n.logp, 0) {
		n.logp = math.Inf(-1)
		return n
	}
	c.target.Gradient(n.grad, n.x)
	for i := range n.p {
		n.p[i] += 0.5 * eps * n.grad[i]
	}
	return n
}

func (c *chain) joint(s *state) float64 {
	h := s.logp - c.kinetic(s.p)
	if math.IsNaN(h) {
		return math.Inf(-1)
	}
	return h
}

// reasonableStepSize doubles or halves a unit step until the acceptance
// probability of one leapfrog step crosses 1/2.
func (c *chain) reasonableStepSize(cur *state) float64 {
	eps := 1.0
	s := &state{x: cur.x, p: c.momentum(), grad: cur.grad, logp: cur.logp}
	h0 := c.joint(s)
	logRatio := c.joint(c.leapfrog(s, eps)) - h0
	dir := 1.0
	if !(logRatio > -math.Ln2) {
		dir = -1
	}
	for k := 0; k < maxStepSearches; k++ {
		if !(dir*logRatio > -dir*math.Ln2) {
			break
		}
		next := eps * math.Pow(2, dir)
		if next < minStepSize || next > maxStepSize {
			break
		}
		eps = next
		logRatio = c.joint(c.leapfrog(s, eps)) - h0
		if math.IsNaN(logRatio) {
			logRatio = math.Inf(-1)
		}
	}
	return eps
}

func (c *chain) uTurn(minus, plus *state) bool {
	dot := func(p []float64) float64 {
		v := 0.0
		for i := range p {
			v += (plus.x[i] - minus.x[i]) * c.invMass[i] * p[i]
		}
		return v
	}
	return dot(minus.p) < 0 || dot(plus.p) < 0
}

type subtree struct {
	minus, plus, proposal *state
	n                     int
	ok                    bool
	divergent             bool
	alpha                 float64
	nAlpha                int
}

// transition performs one NUTS iteration (slice variant, Algorithm 6 of
// Hoffman & Gelman).
func (c *chain) transition(cur *state) (*state, float64, int, bool) {
	start := &state{x: cur.x, p: c.momentum(), grad: cur.grad, logp: cur.logp}
	h0 := c.joint(start)
	logu := h0 - c.rng.ExpFloat64()

	minus, plus := start, start
	next := cur
	n := 1
	var alphaSum float64
	var nAlpha int
	divergent := false
	depth := 0
	for ok := true; ok && depth < c.maxDepth; depth++ {
		var t subtree
		if c.rng.Intn(2) == 0 {
			t = c.build(minus, logu, -1, depth, h0)
			minus = t.minus
		} else {
			t = c.build(plus, logu, 1, depth, h0)
			plus = t.plus
		}
		divergent = divergent || t.divergent
		if t.ok && t.n > 0 && c.rng.Float64() < float64(t.n)/float64(n) {
			next = &state{x: t.proposal.x, grad: t.proposal.grad, logp: t.proposal.logp}
		}
		n += t.n
		alphaSum += t.alpha
		nAlpha += t.nAlpha
		ok = t.ok && !c.uTurn(minus, plus)
	}
	accept := 0.0
	if nAlpha > 0 {
		accept = alphaSum / float64(nAlpha)
	}
	return next, accept, depth, divergent
}

func (c *chain) build(s *state, logu float64, dir, depth int, h0 float64) subtree {
	if depth == 0 {
		n := c.leapfrog(s, float64(dir)*c.eps)
		h := c.joint(n)
		t := subtree{minus: n, plus: n, proposal: n, nAlpha: 1}
		if logu <= h {
			t.n = 1
		}
		t.ok = logu < h+maxDeltaEnergy
		t.divergent = !t.ok
		t.alpha = math.Min(1, math.Exp(h-h0))
		return t
	}
	t := c.build(s, logu, dir, depth-1, h0)
	if !t.ok {
		return t
	}
	var t2 subtree
	if dir < 0 {
		t2 = c.build(t.minus, logu, dir, depth-1, h0)
		t.minus = t2.minus
	} else {
		t2 = c.build(t.plus, logu, dir, depth-1, h0)
		t.plus = t2.plus
	}
	if total := t.n + t2.n; total > 0 && c.rng.Float64() < float64(t2.n)/float64(total) {
		t.proposal = t2.proposal
	}
	t.n += t2.n
	t.alpha += t2.alpha
	t.nAlpha += t2.nAlpha
	t.divergent = t.divergent || t2.divergent
	t.ok = t2.ok && !c.uTurn(t.minus, t.plus)
	return t
}

func clone(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}

func allFinite(x []float64) bool {
	return !floats.HasNaN(x) && floats.Max(x) < math.Inf(1) && floats.Min(x) > math.Inf(-1)
}
