package mcmc

// ChainStats summarizes one chain. Accept and depth averages cover retained
// draws only.
type ChainStats struct {
	Chain             int     `json:"chain"`
	StepSize          float64 `json:"step_size"`
	MeanAccept        float64 `json:"mean_accept"`
	MeanTreeDepth     float64 `json:"mean_tree_depth"`
	Divergences       int     `json:"divergences"`
	TuningDivergences int     `json:"tuning_divergences"`
}

// Result holds retained draws indexed [chain][draw][dim] on the
// unconstrained scale.
type Result struct {
	Draws [][][]float64
	Stats []ChainStats
}

func (r *Result) Chains() int { return len(r.Draws) }

func (r *Result) DrawsPerChain() int {
	if len(r.Draws) == 0 {
		return 0
	}
	return len(r.Draws[0])
}

// Flatten returns all draws chain after chain.
func (r *Result) Flatten() [][]float64 {
	out := make([][]float64, 0, r.Chains()*r.DrawsPerChain())
	for _, c := range r.Draws {
		out = append(out, c...)
	}
	return out
}

func (r *Result) Divergences() int {
	n := 0
	for _, s := range r.Stats {
		n += s.Divergences
	}
	return n
}
