package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/infrastructure/config"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/server"
)

func main() {
	port := flag.String("port", "", "Server port (overrides PORT)")
	defs := flag.String("pipelines", "", "Pipeline definition file (overrides PIPELINE_DEFS)")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *defs != "" {
		cfg.Pipeline.Definitions = *defs
	}
	if *dev {
		cfg.Log.Development = true
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
