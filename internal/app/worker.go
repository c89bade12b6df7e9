package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darioguarascio/docuchain/internal/config"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/queue"
	"github.com/darioguarascio/docuchain/internal/worker"
)

// WorkerApp is the queue consumer process: the single appender in a queued deployment.
type WorkerApp struct {
	Worker  *worker.Worker
	Backend *Backend
	Queue   *queue.Queue
}

func NewWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*WorkerApp, error) {
	if !cfg.QueueEnabled() {
		return nil, errors.New("worker requires queue.redis_addr")
	}
	if cfg.Generator.BackendURL == "" {
		return nil, errors.New("worker requires generator.backend_url")
	}
	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	q, err := DialQueue(ctx, cfg, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	engine, err := ledger.NewEngine(ledger.EngineParams{Store: backend.Store, Logger: logger})
	if err != nil {
		_ = q.Close()
		backend.Close()
		return nil, fmt.Errorf("build ledger engine: %w", err)
	}
	w, err := worker.New(worker.Params{
		Queue:      q,
		Generator:  NewGenerator(cfg),
		Ledger:     engine,
		Statuses:   backend.Statuses,
		Logger:     logger,
		MaxRetries: cfg.Worker.MaxRetries,
		PopTimeout: time.Duration(cfg.Worker.PopTimeoutSeconds) * time.Second,
	})
	if err != nil {
		_ = q.Close()
		backend.Close()
		return nil, fmt.Errorf("build worker: %w", err)
	}
	return &WorkerApp{Worker: w, Backend: backend, Queue: q}, nil
}

func (a *WorkerApp) Close() {
	_ = a.Queue.Close()
	a.Backend.Close()
}
