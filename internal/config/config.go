package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Sampling holds the inference engine settings. A zero Seed seeds from the
// clock.
type Sampling struct {
	Draws             int     `yaml:"draws" json:"draws" validate:"gte=1,lte=100000"`
	Tune              int     `yaml:"tune" json:"tune" validate:"gte=0,lte=100000"`
	Chains            int     `yaml:"chains" json:"chains" validate:"gte=1,lte=64"`
	Cores             int     `yaml:"cores" json:"cores" validate:"gte=1,lte=64"`
	TargetAccept      float64 `yaml:"target_accept" json:"target_accept" validate:"gt=0,lt=1"`
	MaxTreeDepth      int     `yaml:"max_tree_depth" json:"max_tree_depth" validate:"gte=1,lte=15"`
	PredictiveSamples int     `yaml:"predictive_samples" json:"predictive_samples" validate:"gte=1,lte=100000"`
	Seed              int64   `yaml:"seed" json:"seed"`
	Progress          bool    `yaml:"progress" json:"progress"`
}

type Server struct {
	Addr      string   `yaml:"addr" validate:"required"`
	CacheSize int      `yaml:"cache_size" validate:"gte=1"`
	Sampling  Sampling `yaml:"sampling"`
}

func DefaultSampling() Sampling {
	return Sampling{
		Draws:             1000,
		Tune:              1000,
		Chains:            2,
		Cores:             2,
		TargetAccept:      0.8,
		MaxTreeDepth:      10,
		PredictiveSamples: 1000,
	}
}

func Default() Server {
	return Server{Addr: ":8080", CacheSize: 64, Sampling: DefaultSampling()}
}

var validate = validator.New()

var ErrOverLimit = errors.New("sampling setting above limit")

func (s Sampling) Validate() error {
	return errors.Wrap(validate.Struct(s), "invalid sampling config")
}

// Within validates s and rejects any work setting larger than limit's.
func (s Sampling) Within(limit Sampling) error {
	if err := s.Validate(); err != nil {
		return err
	}
	checks := []struct {
		name      string
		got, max int
	}{
		{"draws", s.Draws, limit.Draws},
		{"tune", s.Tune, limit.Tune},
		{"chains", s.Chains, limit.Chains},
		{"cores", s.Cores, limit.Cores},
		{"max_tree_depth", s.MaxTreeDepth, limit.MaxTreeDepth},
		{"predictive_samples", s.PredictiveSamples, limit.PredictiveSamples},
	}
	for _, c := range checks {
		if c.got > c.max {
			return errors.Wrapf(ErrOverLimit, "%s=%d exceeds %d", c.name, c.got, c.max)
		}
	}
	return nil
}

func (s Server) Validate() error {
	return errors.Wrap(validate.Struct(s), "invalid server config")
}

// Load starts from Default, overlays the YAML file at path (if any) and the
// HBR_* environment, then validates.
func Load(path string) (Server, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Server) error {
	if v := os.Getenv("HBR_ADDR"); v != "" {
		cfg.Addr = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"HBR_CACHE_SIZE", &cfg.CacheSize},
		{"HBR_DRAWS", &cfg.Sampling.Draws},
		{"HBR_TUNE", &cfg.Sampling.Tune},
		{"HBR_CHAINS", &cfg.Sampling.Chains},
		{"HBR_CORES", &cfg.Sampling.Cores},
		{"HBR_MAX_TREE_DEPTH", &cfg.Sampling.MaxTreeDepth},
		{"HBR_PREDICTIVE_SAMPLES", &cfg.Sampling.PredictiveSamples},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", e.key)
		}
		*e.dst = n
	}
	if v := os.Getenv("HBR_TARGET_ACCEPT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "HBR_TARGET_ACCEPT")
		}
		cfg.Sampling.TargetAccept = f
	}
	if v := os.Getenv("HBR_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "HBR_SEED")
		}
		cfg.Sampling.Seed = n
	}
	if v := os.Getenv("HBR_PROGRESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "HBR_PROGRESS")
		}
		cfg.Sampling.Progress = b
	}
	return nil
}
