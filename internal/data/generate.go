package data

import "math/rand"

// SyntheticSpec describes a cohort drawn from a known quadratic age trend.
type SyntheticSpec struct {
	N         int
	Sites     int
	Genders   int
	AgeMin    float64
	AgeMax    float64
	Intercept float64
	Slope     float64
	Quad      float64
	Noise     float64
	// SiteOffsets shifts the outcome per site; missing entries are zero.
	SiteOffsets []float64
}

// Synthetic draws spec.N subjects. Every site and gender level appears at least
// once when N allows it, so level counts match the spec.
func Synthetic(spec SyntheticSpec, rng *rand.Rand) Cohort {
	if spec.Sites <= 0 {
		spec.Sites = 1
	}
	if spec.Genders <= 0 {
		spec.Genders = 1
	}
	c := Cohort{
		Covariates: Covariates{
			Age:      make([]float64, spec.N),
			SiteID:   make([]int, spec.N),
			GenderID: make([]int, spec.N),
		},
		Y: make([]float64, spec.N),
	}
	cells := spec.Sites * spec.Genders
	for i := 0; i < spec.N; i++ {
		cell := i % cells
		if i >= cells {
			cell = rng.Intn(cells)
		}
		s := cell % spec.Sites
		g := cell / spec.Sites
		age := spec.AgeMin + rng.Float64()*(spec.AgeMax-spec.AgeMin)
		y := spec.Intercept + spec.Slope*age + spec.Quad*age*age + rng.NormFloat64()*spec.Noise
		if s < len(spec.SiteOffsets) {
			y += spec.SiteOffsets[s]
		}
		c.Age[i] = age
		c.SiteID[i] = s
		c.GenderID[i] = g
		c.Y[i] = y
	}
	return c
}
