package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"avatarkit/config"
	"avatarkit/core"
	"avatarkit/server"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Missing .env is fine; production injects real environment variables.
	_ = godotenv.Load()

	logger := core.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited: %v", err)
	}
	logger.Info("shutdown complete")
}
