package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultQueue           = "docuchain:documents:queue"
	DefaultDeadLetterQueue = "docuchain:documents:dlq"
	DefaultMaxRetries      = 3
)

var ErrInvalidJob = errors.New("invalid job payload")

// Job is one document generation request as carried on the Redis list.
type Job struct {
	DocumentID   string         `json:"documentId"`
	Template     string         `json:"template"`
	Placeholders map[string]any `json:"placeholders,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Signers      []any          `json:"signers,omitempty"`
	Retries      int            `json:"retries,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailedAt     int64          `json:"failed_at,omitempty"`
}

// ParseJob accepts both documentId and document_id.
func ParseJob(raw string) (Job, error) {
	var wire struct {
		Job
		SnakeDocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	job := wire.Job
	if job.DocumentID == "" {
		job.DocumentID = wire.SnakeDocumentID
	}
	job.DocumentID = strings.TrimSpace(job.DocumentID)
	if job.DocumentID == "" {
		return Job{}, fmt.Errorf("%w: missing documentId", ErrInvalidJob)
	}
	return job, nil
}

type Options struct {
	Addr            string
	Password        string
	DB              int
	Queue           string
	DeadLetterQueue string
}

type Queue struct {
	rdb  goredis.UniversalClient
	name string
	dlq  string
	log  *slog.Logger
}

// Dial connects and pings Redis before returning.
func Dial(ctx context.Context, opts Options, log *slog.Logger) (*Queue, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, opts.Queue, opts.DeadLetterQueue, log), nil
}

func New(rdb goredis.UniversalClient, name, dlq string, log *slog.Logger) *Queue {
	if name == "" {
		name = DefaultQueue
	}
	if dlq == "" {
		dlq = DefaultDeadLetterQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{rdb: rdb, name: name, dlq: dlq, log: log.With(slog.String("component", "queue"))}
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) DeadLetterName() string { return q.dlq }

func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, raw).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.DocumentID, err)
	}
	return nil
}

// Pop blocks for up to timeout. ok is false when the wait expired empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	return res[1], true, nil
}

// Retry re-queues job at the tail with its retry counter incremented.
func (q *Queue) Retry(ctx context.Context, job Job) error {
	job.Retries++
	return q.Enqueue(ctx, job)
}

func (q *Queue) DeadLetter(ctx context.Context, job Job, cause error, now time.Time) error {
	if cause != nil {
		job.Error = cause.Error()
	}
	job.FailedAt = now.Unix()
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.dlq, raw).Err(); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.DocumentID, err)
	}
	return nil
}

// DeadLetterRaw parks a payload that could not be parsed.
func (q *Queue) DeadLetterRaw(ctx context.Context, raw string) error {
	return q.rdb.RPush(ctx, q.dlq, raw).Err()
}

type Depth struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.name)
	dead := pipe.LLen(ctx, q.dlq)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Pending: pending.Val(), DeadLetter: dead.Val()}, nil
}
