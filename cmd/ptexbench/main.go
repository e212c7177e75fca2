// Package main runs landscape brick caches along a scripted camera path,
// headless or on a hidden OpenGL 4.3 context.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Faultbox/ptexcache/internal/bench"
	"github.com/Faultbox/ptexcache/internal/config"
	"github.com/Faultbox/ptexcache/internal/logger"
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.Config{Level: cfg.Logging.Level, Console: true, JSON: cfg.Logging.JSON}
	if cfg.Logging.LogFile != "" {
		logCfg.File = logger.DefaultFileConfig(cfg.Logging.LogFile)
	}
	if err := logger.InitWithConfig(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== ptexbench ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bench.New(cfg, logger.Named("bench"))
	if err != nil {
		logger.Error("failed to create bench", zap.Error(err))
		os.Exit(1)
	}
	defer b.Close()

	if err := b.Run(ctx); err != nil {
		logger.Error("bench error", zap.Error(err))
		os.Exit(1)
	}
}
