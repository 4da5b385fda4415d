package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"syntheme/internal/config"
	"syntheme/internal/daemon"
	"syntheme/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			log.Fatal("synthemed is already running")
		}
		log.Fatalf("create daemon: %v", err)
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited", logging.Error(err))
		log.Fatalf("daemon: %v", err)
	}
	logger.Info("synthemed stopped")
}
