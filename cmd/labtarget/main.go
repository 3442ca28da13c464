package main

// lab target-under-test: a TCP server with a 16-byte parser buffer

import (
	"context"
	"errors"
	"labfuzz/config"
	"labfuzz/internal/labtarget"
	"labfuzz/pkg/logger"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadLabTargetConfig()
	if err != nil {
		zap.NewExample().Fatal("invalid lab target config", zap.Error(err))
	}

	log, err := logger.BuildConfig(cfg.LogLevel).Build()
	if err != nil {
		log = zap.NewExample()
	}
	defer log.Sync()

	if cfg.SanitizerLogDir != "" {
		if err := os.MkdirAll(cfg.SanitizerLogDir, 0755); err != nil {
			log.Fatal("failed to create sanitizer log dir", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := labtarget.NewServer(*cfg, log)
	if err := srv.Listen(); err != nil {
		log.Fatal("failed to start lab target", zap.Error(err))
	}

	if err := srv.Serve(ctx); err != nil {
		if errors.Is(err, labtarget.ErrCrashed) {
			log.Error("lab target aborted", zap.Int("overflows", srv.Overflows()))
			log.Sync()
			os.Exit(1)
		}
		log.Fatal("lab target failed", zap.Error(err))
	}
	log.Info("lab target stopped", zap.Int("overflows", srv.Overflows()))
}
