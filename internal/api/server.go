package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hbrnorm/internal/config"
	"hbrnorm/internal/data"
	"hbrnorm/internal/features"
	"hbrnorm/internal/mcmc"
	"hbrnorm/internal/models"
)

var ErrModelNotFound = errors.New("model not found")

// Server keeps fitted models in a bounded LRU registry and serves
// predictions from them.
type Server struct {
	cfg    config.Server
	logger *zap.Logger
	models *lru.Cache
}

// entry is one fitted model plus the label encoders learned from its
// training subjects.
type entry struct {
	id      string
	model   *models.HBR
	sites   *features.Encoder
	genders *features.Encoder
	created time.Time
}

func New(cfg config.Server, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "model registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger, models: cache}, nil
}

// Router wires the HTTP routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)
	v1 := r.Group("/v1")
	v1.POST("/models", s.handleFit)
	v1.GET("/models/:id", s.handleGet)
	v1.DELETE("/models/:id", s.handleDelete)
	v1.POST("/models/:id/predict", s.handlePredict)
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

type subject struct {
	Age    float64 `json:"age"`
	Site   string  `json:"site" binding:"required"`
	Gender string  `json:"gender" binding:"required"`
	Y      float64 `json:"y"`
}

type fitRequest struct {
	Variant  string          `json:"variant" binding:"required"`
	Subjects []subject       `json:"subjects" binding:"required,min=2,dive"`
	Sampling json.RawMessage `json:"sampling"`
}

type predictRequest struct {
	Subjects []subject `json:"subjects" binding:"required,min=1,dive"`
}

type modelResponse struct {
	ID      string                         `json:"id"`
	Variant models.Variant                 `json:"variant"`
	Sites   []string                       `json:"sites"`
	Genders []string                       `json:"genders"`
	Params  []models.ParamSpec             `json:"params"`
	Stats   []mcmc.ChainStats              `json:"stats"`
	Summary map[string]models.ParamSummary `json:"summary"`
	Created time.Time                      `json:"created"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "models": s.models.Len()})
}

func (s *Server) handleFit(c *gin.Context) {
	var req fitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	variant, err := models.ParseVariant(req.Variant)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sampling, err := s.sampling(req.Sampling)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sites := features.NewEncoder(labels(req.Subjects, func(x subject) string { return x.Site }))
	genders := features.NewEncoder(labels(req.Subjects, func(x subject) string { return x.Gender }))
	cov, err := encode(req.Subjects, sites, genders)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cohort := data.Cohort{Covariates: cov, Y: make([]float64, len(req.Subjects))}
	for i, x := range req.Subjects {
		cohort.Y[i] = x.Y
	}

	m, err := models.NewHBR(cohort, variant, sampling, models.WithLogger(s.logger))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if _, err := m.Estimate(c.Request.Context()); err != nil {
		s.logger.Error("estimate failed", zap.String("variant", string(variant)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	e := &entry{id: uuid.NewString(), model: m, sites: sites, genders: genders, created: time.Now().UTC()}
	if evicted := s.models.Add(e.id, e); evicted {
		s.logger.Info("model registry full, evicted oldest", zap.Int("capacity", s.cfg.CacheSize))
	}
	c.JSON(http.StatusCreated, describe(e))
}

func (s *Server) handleGet(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, describe(e))
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if !s.models.Contains(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrModelNotFound.Error()})
		return
	}
	s.models.Remove(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePredict(c *gin.Context) {
	e, err := s.lookup(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cov, err := encode(req.Subjects, e.sites, e.genders)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pred, err := e.model.Predict(c.Request.Context(), cov)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pred)
}

func (s *Server) lookup(id string) (*entry, error) {
	v, ok := s.models.Get(id)
	if !ok {
		return nil, errors.Wrap(ErrModelNotFound, id)
	}
	return v.(*entry), nil
}

// sampling overlays a partial JSON override on the server defaults. An
// override may lower the amount of work but never raise it.
func (s *Server) sampling(raw json.RawMessage) (config.Sampling, error) {
	cfg := s.cfg.Sampling
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "sampling override")
	}
	return cfg, cfg.Within(s.cfg.Sampling)
}

func describe(e *entry) modelResponse {
	sites, genders := e.model.Levels()
	resp := modelResponse{
		ID:      e.id,
		Variant: e.model.Variant(),
		Sites:   e.sites.Labels()[:sites],
		Genders: e.genders.Labels()[:genders],
		Params:  e.model.Params(),
		Created: e.created,
	}
	if tr := e.model.Trace(); tr != nil {
		resp.Stats = tr.Stats()
		resp.Summary = tr.Summary()
	}
	return resp
}

func labels(subjects []subject, pick func(subject) string) []string {
	out := make([]string, len(subjects))
	for i, x := range subjects {
		out[i] = pick(x)
	}
	return out
}

func encode(subjects []subject, sites, genders *features.Encoder) (data.Covariates, error) {
	cov := data.Covariates{Age: make([]float64, len(subjects))}
	for i, x := range subjects {
		cov.Age[i] = x.Age
	}
	var err error
	if cov.SiteID, err = sites.EncodeAll(labels(subjects, func(x subject) string { return x.Site })); err != nil {
		return cov, errors.Wrap(err, "site")
	}
	if cov.GenderID, err = genders.EncodeAll(labels(subjects, func(x subject) string { return x.Gender })); err != nil {
		return cov, errors.Wrap(err, "gender")
	}
	return cov, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownVariant),
		errors.Is(err, models.ErrLevelOutOfRange),
		errors.Is(err, data.ErrLengthMismatch),
		errors.Is(err, features.ErrUnknownLabel):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotEstimated):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
