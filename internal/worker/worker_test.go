package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/queue"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []string
	retried  []queue.Job
	dead     []queue.Job
	deadRaw  []string
	popCalls int
}

func (q *fakeQueue) push(t *testing.T, job queue.Job) {
	t.Helper()
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	q.pending = append(q.pending, string(raw))
}

func (q *fakeQueue) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.popCalls++
	if len(q.pending) == 0 {
		return "", false, nil
	}
	raw := q.pending[0]
	q.pending = q.pending[1:]
	return raw, true, nil
}

func (q *fakeQueue) Retry(ctx context.Context, job queue.Job) error {
	job.Retries++
	q.retried = append(q.retried, job)
	return nil
}

func (q *fakeQueue) DeadLetter(ctx context.Context, job queue.Job, cause error, now time.Time) error {
	job.Error = cause.Error()
	job.FailedAt = now.Unix()
	q.dead = append(q.dead, job)
	return nil
}

func (q *fakeQueue) DeadLetterRaw(ctx context.Context, raw string) error {
	q.deadRaw = append(q.deadRaw, raw)
	return nil
}

type fakeGenerator struct {
	artifact Artifact
	err      error
	calls    []GenerateRequest
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (Artifact, error) {
	g.calls = append(g.calls, req)
	return g.artifact, g.err
}

type fixture struct {
	queue  *fakeQueue
	gen    *fakeGenerator
	store  *ledger.MemoryStore
	engine *ledger.Engine
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := ledger.FixedClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore()
	engine, err := ledger.NewEngine(ledger.EngineParams{Store: store, Clock: clock})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	q := &fakeQueue{}
	gen := &fakeGenerator{artifact: Artifact{Bytes: []byte("%PDF-1.7 generated"), Path: "/artifacts/doc.pdf"}}
	w, err := New(Params{Queue: q, Generator: gen, Ledger: engine, Statuses: store, Clock: clock, MaxRetries: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{queue: q, gen: gen, store: store, engine: engine, worker: w}
}

func TestRunOnceCommitsGeneratedArtifact(t *testing.T) {
	f := newFixture(t)
	f.queue.push(t, queue.Job{
		DocumentID:   "doc-1",
		Template:     "<h1>{{name}}</h1>",
		Placeholders: map[string]any{"name": "Ann"},
		Metadata:     map[string]any{"owner": "legal"},
		Signers:      []any{"ann@example.com"},
	})

	processed, err := f.worker.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	block, found, err := f.store.ByDocumentID(context.Background(), "doc-1")
	if err != nil || !found {
		t.Fatalf("block not appended: found=%v err=%v", found, err)
	}
	if block.ContentHash != protocol.SHA256Hex([]byte("%PDF-1.7 generated")) {
		t.Fatalf("content hash = %s", block.ContentHash)
	}
	if block.SignatureData != `["ann@example.com"]` {
		t.Fatalf("signature data = %s", block.SignatureData)
	}
	if block.Metadata["owner"] != "legal" || block.Metadata["artifact_path"] != "/artifacts/doc.pdf" || block.Metadata["template"] != "<h1>{{name}}</h1>" {
		t.Fatalf("unexpected metadata %v", block.Metadata)
	}
	st, _, _ := f.store.GetStatus(context.Background(), "doc-1")
	if st.Status != ledger.StatusCompleted || st.ArtifactPath != "/artifacts/doc.pdf" {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(f.gen.calls) != 1 || f.gen.calls[0].Placeholders["name"] != "Ann" {
		t.Fatalf("unexpected generator calls %+v", f.gen.calls)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	f := newFixture(t)
	processed, err := f.worker.RunOnce(context.Background())
	if err != nil || processed {
		t.Fatalf("RunOnce on empty queue: processed=%v err=%v", processed, err)
	}
}

func TestRunOnceRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("generator unavailable")
	f.queue.push(t, queue.Job{DocumentID: "doc-r", Template: "t"})

	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.queue.retried) != 1 || f.queue.retried[0].Retries != 1 || len(f.queue.dead) != 0 {
		t.Fatalf("expected one retry, got retried=%v dead=%v", f.queue.retried, f.queue.dead)
	}
	st, _, _ := f.store.GetStatus(context.Background(), "doc-r")
	if st.Status != ledger.StatusFailed || st.ErrorMessage != "generator unavailable" {
		t.Fatalf("unexpected status %+v", st)
	}

	f.queue.push(t, queue.Job{DocumentID: "doc-r", Template: "t", Retries: 2})
	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.queue.dead) != 1 || f.queue.dead[0].Error != "generator unavailable" {
		t.Fatalf("expected dead-lettered job, got %+v", f.queue.dead)
	}
	if blocks, _ := f.store.List(context.Background(), ledger.ListOptions{}); len(blocks) != 0 {
		t.Fatalf("failed jobs must not append blocks, got %d", len(blocks))
	}
}

func TestRunOnceConflictIsNotRetried(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Append(context.Background(), ledger.AppendInput{DocumentID: "doc-c", ContentHash: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.queue.push(t, queue.Job{DocumentID: "doc-c", Template: "t"})
	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.queue.retried) != 0 || len(f.queue.dead) != 1 {
		t.Fatalf("conflict must dead-letter immediately: retried=%d dead=%d", len(f.queue.retried), len(f.queue.dead))
	}
}

func TestRunOnceMissingTemplateIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.queue.push(t, queue.Job{DocumentID: "doc-t"})
	if _, err := f.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(f.queue.dead) != 1 || len(f.gen.calls) != 0 {
		t.Fatalf("expected dead letter without generation, dead=%d calls=%d", len(f.queue.dead), len(f.gen.calls))
	}
}

func TestRunOnceParksInvalidPayload(t *testing.T) {
	f := newFixture(t)
	f.queue.pending = append(f.queue.pending, `{"template":"no id"}`)
	processed, err := f.worker.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	if len(f.queue.deadRaw) != 1 {
		t.Fatalf("expected raw payload to be dead-lettered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestHTTPGenerator(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/documents/internal/generate" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set(ArtifactHeader, "/srv/doc-h.pdf")
		_, _ = w.Write([]byte("%PDF-bytes"))
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL+"/", time.Second, 0)
	artifact, err := gen.Generate(context.Background(), GenerateRequest{DocumentID: "doc-h", Template: "t"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(artifact.Bytes) != "%PDF-bytes" || artifact.Path != "/srv/doc-h.pdf" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if got.DocumentID != "doc-h" || got.Placeholders == nil {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestHTTPGeneratorRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template broken", http.StatusInternalServerError)
	}))
	defer srv.Close()
	if _, err := NewHTTPGenerator(srv.URL, time.Second, 0).Generate(context.Background(), GenerateRequest{DocumentID: "d"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
