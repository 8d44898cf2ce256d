package data

import "github.com/pkg/errors"

var ErrLengthMismatch = errors.New("covariate lengths differ")

// Covariates holds parallel per-subject inputs. SiteID and GenderID are dense
// zero-based level indices.
type Covariates struct {
	Age      []float64 `json:"age"`
	SiteID   []int     `json:"site_id"`
	GenderID []int     `json:"gender_id"`
}

func (c Covariates) Len() int { return len(c.Age) }

func (c Covariates) Validate() error {
	n := len(c.Age)
	if len(c.SiteID) != n || len(c.GenderID) != n {
		return errors.Wrapf(ErrLengthMismatch, "age=%d site=%d gender=%d", n, len(c.SiteID), len(c.GenderID))
	}
	return nil
}

// Cohort is an observation set: covariates plus the measured outcome.
type Cohort struct {
	Covariates
	Y []float64 `json:"y"`
}

func (c Cohort) Validate() error {
	if err := c.Covariates.Validate(); err != nil {
		return err
	}
	if len(c.Y) != len(c.Age) {
		return errors.Wrapf(ErrLengthMismatch, "age=%d y=%d", len(c.Age), len(c.Y))
	}
	return nil
}

// Subset returns the subjects at idx as a new cohort.
func (c Cohort) Subset(idx []int) Cohort {
	out := Cohort{
		Covariates: Covariates{
			Age:      make([]float64, len(idx)),
			SiteID:   make([]int, len(idx)),
			GenderID: make([]int, len(idx)),
		},
		Y: make([]float64, len(idx)),
	}
	for k, i := range idx {
		out.Age[k] = c.Age[i]
		out.SiteID[k] = c.SiteID[i]
		out.GenderID[k] = c.GenderID[i]
		out.Y[k] = c.Y[i]
	}
	return out
}
