package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/darioguarascio/docuchain/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewServesHealthOnMemoryStore(t *testing.T) {
	cfg, err := config.Parse([]byte("storage:\n  driver: memory\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	rec := httptest.NewRecorder()
	a.Server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("logging middleware not installed")
	}
}

func TestOpenBackendSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	cfg, err := config.Parse([]byte("storage:\n  driver: sqlite\n  sqlite_path: \"" + path + "\"\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	backend, err := OpenBackend(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if backend.Pinger == nil {
		t.Fatalf("sqlite backend must expose a pinger")
	}
	if err := backend.Pinger.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewWorkerRequiresQueueAndGenerator(t *testing.T) {
	cfg, err := config.Parse([]byte("storage:\n  driver: memory\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if _, err := NewWorker(context.Background(), cfg, testLogger()); err == nil {
		t.Fatalf("expected worker without queue to be rejected")
	}
}

func TestVerifierFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte("storage:\n  driver: memory\nenvelope:\n  hmac_secret: k\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	v := Verifier(cfg)
	if string(v.Secret) != "k" {
		t.Fatalf("unexpected verifier %+v", v)
	}
}
