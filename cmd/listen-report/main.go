package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"listen_report/internal/app"
	"listen_report/internal/config"
	"listen_report/internal/logging"
)

func main() {
	_ = godotenv.Load()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	logger, closer := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Caller: cfg.Log.Caller,
	})
	defer closer.Close()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init")
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("run")
		os.Exit(1)
	}
}
