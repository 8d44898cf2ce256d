package models

import (
	"context"

	"github.com/pkg/errors"

	"hbrnorm/internal/data"
	"hbrnorm/internal/mcmc"
)

var (
	ErrUnknownVariant  = errors.New("unknown model variant")
	ErrNotEstimated    = errors.New("model has no posterior trace")
	ErrLevelOutOfRange = errors.New("level index out of range")
)

type Model interface {
	Estimate(ctx context.Context) (*Trace, error)
	Predict(ctx context.Context, cov data.Covariates) (*Prediction, error)
	Name() string
}

// Sampler draws from a target density. *mcmc.NUTS is the production
// implementation.
//
//go:generate mockgen -destination=sampler_mock_test.go -package=models hbrnorm/internal/models Sampler
type Sampler interface {
	Sample(ctx context.Context, target mcmc.Target) (*mcmc.Result, error)
}

type Variant string

const (
	Linear                 Variant = "lin"
	LinearRandomIntercept  Variant = "lin_rand_int"
	LinearRandomSlope      Variant = "lin_rand_int_slp"
	LinearRandomSlopeNoise Variant = "lin_rand_int_slp_nse"
	Polynomial2            Variant = "poly2"
	NeuralNetwork          Variant = "nn"
)

// Variants lists the tags that build a model.
func Variants() []Variant {
	return []Variant{LinearRandomIntercept, LinearRandomSlope, LinearRandomSlopeNoise, Polynomial2, NeuralNetwork}
}

func structureFor(v Variant) (structure, error) {
	switch v {
	case LinearRandomIntercept:
		return &linRandInt{}, nil
	case LinearRandomSlope:
		return &linRandIntSlp{}, nil
	case LinearRandomSlopeNoise:
		return &linRandIntSlpNse{}, nil
	case Polynomial2:
		return &poly2{}, nil
	case NeuralNetwork:
		return &neuralNet{}, nil
	case Linear:
		return nil, errors.Wrapf(ErrUnknownVariant, "%q has no model structure", string(v))
	default:
		return nil, errors.Wrapf(ErrUnknownVariant, "%q", string(v))
	}
}

// ParseVariant validates a tag without building a model.
func ParseVariant(s string) (Variant, error) {
	v := Variant(s)
	if _, err := structureFor(v); err != nil {
		return "", err
	}
	return v, nil
}
