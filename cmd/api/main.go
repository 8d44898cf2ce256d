package main

import (
	"os"

	"go.uber.org/zap"

	"hbrnorm/internal/api"
	"hbrnorm/internal/config"
	"hbrnorm/pkg/utils"
)

func main() {
	logger := utils.Logger()
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("HBR_CONFIG"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	srv, err := api.New(cfg, logger)
	if err != nil {
		logger.Fatal("build server", zap.Error(err))
	}
	logger.Info("listening",
		zap.String("addr", cfg.Addr),
		zap.Int("cache_size", cfg.CacheSize),
		zap.Int("draws", cfg.Sampling.Draws),
		zap.Int("chains", cfg.Sampling.Chains),
	)
	if err := srv.Router().Run(cfg.Addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
