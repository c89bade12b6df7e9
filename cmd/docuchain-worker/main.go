package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/darioguarascio/docuchain/internal/app"
	"github.com/darioguarascio/docuchain/internal/config"
	"github.com/darioguarascio/docuchain/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/docuchain.yaml", "path to docuchain config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Logging.Service == "docuchain" {
		cfg.Logging.Service = "docuchain-worker"
	}

	logger := app.Environment(cfg).With(logging.NewJSONLogger(cfg.Logging.Level))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := app.NewWorker(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer w.Close()

	logger.Info("docuchain worker consuming",
		slog.String("queue", w.Queue.Name()),
		slog.String("dead_letter_queue", w.Queue.DeadLetterName()),
		slog.String("storage", cfg.Storage.Driver),
	)
	if err := w.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		w.Close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
