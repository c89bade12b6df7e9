package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/queue"
)

// JobQueue is the part of queue.Queue the worker consumes.
type JobQueue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, bool, error)
	Retry(ctx context.Context, job queue.Job) error
	DeadLetter(ctx context.Context, job queue.Job, cause error, now time.Time) error
	DeadLetterRaw(ctx context.Context, raw string) error
}

type Appender interface {
	Append(ctx context.Context, in ledger.AppendInput) (protocol.Block, error)
}

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent job failure")

type Params struct {
	Queue      JobQueue
	Generator  Generator
	Ledger     Appender
	Statuses   ledger.StatusStore
	Clock      ledger.Clock
	Logger     *slog.Logger
	MaxRetries int
	PopTimeout time.Duration
	MaxBackoff time.Duration
}

// Worker is the only writer to the chain in a deployment: it pops one job at a
// time, generates the artifact and appends its block.
type Worker struct {
	queue      JobQueue
	generator  Generator
	ledger     Appender
	statuses   ledger.StatusStore
	clock      ledger.Clock
	logger     *slog.Logger
	maxRetries int
	popTimeout time.Duration
	maxBackoff time.Duration
}

func New(p Params) (*Worker, error) {
	if p.Queue == nil || p.Generator == nil || p.Ledger == nil || p.Statuses == nil {
		return nil, fmt.Errorf("queue, generator, ledger and status store are required")
	}
	if p.Clock == nil {
		p.Clock = ledger.SystemClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = queue.DefaultMaxRetries
	}
	if p.PopTimeout <= 0 {
		p.PopTimeout = 5 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	return &Worker{
		queue:      p.Queue,
		generator:  p.Generator,
		ledger:     p.Ledger,
		statuses:   p.Statuses,
		clock:      p.Clock,
		logger:     p.Logger.With(slog.String("component", "worker")),
		maxRetries: p.MaxRetries,
		popTimeout: p.PopTimeout,
		maxBackoff: p.MaxBackoff,
	}, nil
}

// Run processes jobs until ctx is cancelled. Queue errors back off exponentially.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	failures := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		_, err := w.RunOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		failures++
		backoff := computeBackoff(failures, w.maxBackoff)
		w.logger.Error("worker iteration failed", slog.String("error", err.Error()), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}
}

// RunOnce handles at most one job. It reports false when the pop timed out empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	raw, ok, err := w.queue.Pop(ctx, w.popTimeout)
	if err != nil {
		return false, fmt.Errorf("pop job: %w", err)
	}
	if !ok {
		return false, nil
	}
	job, err := queue.ParseJob(raw)
	if err != nil {
		w.logger.Error("invalid job payload", slog.String("payload", truncate(raw, 200)), slog.String("error", err.Error()))
		if err := w.queue.DeadLetterRaw(ctx, raw); err != nil {
			return true, fmt.Errorf("dead-letter invalid payload: %w", err)
		}
		return true, nil
	}
	log := w.logger.With(slog.String("document_id", job.DocumentID))
	log.Info("picked job", slog.Int("retries", job.Retries))

	block, err := w.process(ctx, job)
	if err == nil {
		log.Info("document committed", slog.String("hash", block.Hash))
		return true, nil
	}

	w.setStatus(ctx, ledger.DocumentStatus{DocumentID: job.DocumentID, Status: ledger.StatusFailed, ErrorMessage: truncate(err.Error(), 1500)})
	permanent := errors.Is(err, errPermanent) || errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrInvalidInput)
	if permanent || job.Retries+1 >= w.maxRetries {
		if qerr := w.queue.DeadLetter(ctx, job, err, w.clock.Now()); qerr != nil {
			return true, fmt.Errorf("dead-letter job %s: %w", job.DocumentID, qerr)
		}
		log.Error("job moved to dead-letter queue", slog.String("error", err.Error()), slog.Bool("permanent", permanent))
		return true, nil
	}
	if qerr := w.queue.Retry(ctx, job); qerr != nil {
		return true, fmt.Errorf("retry job %s: %w", job.DocumentID, qerr)
	}
	log.Warn("job failed, retrying", slog.String("error", err.Error()), slog.Int("attempt", job.Retries+1), slog.Int("max_retries", w.maxRetries))
	return true, nil
}

func (w *Worker) process(ctx context.Context, job queue.Job) (protocol.Block, error) {
	if job.Template == "" {
		return protocol.Block{}, fmt.Errorf("%w: job missing template", errPermanent)
	}
	signers := job.Signers
	if signers == nil {
		signers = []any{}
	}
	signatureData, err := json.Marshal(signers)
	if err != nil {
		return protocol.Block{}, fmt.Errorf("%w: encode signers: %v", errPermanent, err)
	}
	if err := w.statuses.SetStatus(ctx, ledger.DocumentStatus{DocumentID: job.DocumentID, Status: ledger.StatusProcessing, UpdatedAt: w.clock.Now()}); err != nil {
		return protocol.Block{}, fmt.Errorf("mark processing: %w", err)
	}

	artifact, err := w.generator.Generate(ctx, generateRequest(job))
	if err != nil {
		return protocol.Block{}, err
	}

	metadata := maps.Clone(job.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["template"] = job.Template
	metadata["placeholders"] = job.Placeholders
	if artifact.Path != "" {
		metadata["artifact_path"] = artifact.Path
	}
	block, err := w.ledger.Append(ctx, ledger.AppendInput{
		DocumentID:    job.DocumentID,
		ContentHash:   protocol.SHA256Hex(artifact.Bytes),
		SignatureData: string(signatureData),
		Metadata:      metadata,
	})
	if err != nil {
		return protocol.Block{}, fmt.Errorf("append block: %w", err)
	}

	w.setStatus(ctx, ledger.DocumentStatus{DocumentID: job.DocumentID, Status: ledger.StatusCompleted, ArtifactPath: artifact.Path})
	return block, nil
}

func generateRequest(job queue.Job) GenerateRequest {
	return GenerateRequest{
		DocumentID:   job.DocumentID,
		Template:     job.Template,
		Placeholders: job.Placeholders,
		Metadata:     job.Metadata,
	}
}

// setStatus is best effort once the block is committed or the job has failed.
func (w *Worker) setStatus(ctx context.Context, st ledger.DocumentStatus) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = w.clock.Now()
	}
	if err := w.statuses.SetStatus(ctx, st); err != nil {
		w.logger.Warn("status update failed",
			slog.String("document_id", st.DocumentID),
			slog.String("status", st.Status),
			slog.String("error", err.Error()),
		)
	}
}

func computeBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 250 * time.Millisecond
	if backoff > max {
		return max
	}
	return backoff
}
