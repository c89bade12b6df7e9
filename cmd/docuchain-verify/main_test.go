package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	machinecrypto "github.com/darioguarascio/docuchain/internal/crypto"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/service"
)

func newTestLedger(t *testing.T) (*service.LedgerService, *ledger.Engine, ed25519.PublicKey) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	clock := ledger.FixedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, err := ledger.NewEngine(ledger.EngineParams{Store: ledger.NewMemoryStore(), Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))
	svc, err := service.NewLedgerService(service.LedgerParams{
		Engine: engine,
		Signer: machinecrypto.NewSigner(priv),
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	return svc, engine, priv.Public().(ed25519.PublicKey)
}

func TestRunReportsChainAndArtifact(t *testing.T) {
	svc, engine, _ := newTestLedger(t)
	ctx := context.Background()
	artifact := []byte("%PDF-1.7\ncertificate\n%%EOF\n")
	if _, err := engine.Append(ctx, ledger.AppendInput{DocumentID: "doc-1", ContentHash: protocol.SHA256Hex(artifact)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var out bytes.Buffer
	if code := run(ctx, &out, svc, "", "", false); code != 0 || !strings.Contains(out.String(), "chain (1 blocks) is valid") {
		t.Fatalf("chain run code=%d out=%q", code, out.String())
	}

	path := filepath.Join(t.TempDir(), "cert.pdf")
	if err := os.WriteFile(path, artifact, 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	out.Reset()
	if code := run(ctx, &out, svc, "", path, true); code != 0 {
		t.Fatalf("artifact run code=%d out=%q", code, out.String())
	}
	var report protocol.UploadReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil || !report.Valid {
		t.Fatalf("unexpected artifact report %q err=%v", out.String(), err)
	}

	out.Reset()
	if code := run(ctx, &out, svc, "missing", "", false); code != 1 || !strings.Contains(out.String(), "Document not found in blockchain") {
		t.Fatalf("missing document code=%d out=%q", code, out.String())
	}
}

func TestCheckAttestationOnSavedReport(t *testing.T) {
	svc, engine, pub := newTestLedger(t)
	ctx := context.Background()
	if _, err := engine.Append(ctx, ledger.AppendInput{DocumentID: "doc-1", ContentHash: "abc", Metadata: map[string]any{"amount": 10.5}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	export, err := svc.Export(ctx, 0)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := json.Marshal(export)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	if err := checkAttestation(raw, pub); err != nil {
		t.Fatalf("expected attestation to verify: %v", err)
	}

	tampered := bytes.Replace(raw, []byte(`"count":1`), []byte(`"count":2`), 1)
	if err := checkAttestation(tampered, pub); err == nil {
		t.Fatalf("expected tampered export to be rejected")
	}

	other := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{1}, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	if err := checkAttestation(raw, other); err == nil {
		t.Fatalf("expected foreign key to be rejected")
	}
}
