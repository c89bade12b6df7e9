package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/darioguarascio/docuchain/internal/protocol"
)

var testEpoch = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine, err := NewEngine(EngineParams{Store: store, Clock: FixedClock(testEpoch)})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, store
}

func mustAppend(t *testing.T, e *Engine, docID, contentHash string) protocol.Block {
	t.Helper()
	b, err := e.Append(context.Background(), AppendInput{DocumentID: docID, ContentHash: contentHash, SignatureData: `["alice","bob"]`, Metadata: map[string]any{"template": "invoice"}})
	if err != nil {
		t.Fatalf("Append(%s): %v", docID, err)
	}
	return b
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	b1 := mustAppend(t, engine, "doc-1", "aaa")
	b2 := mustAppend(t, engine, "doc-2", "bbb")
	if b1.PreviousHash != "" {
		t.Fatalf("block 1 previous hash = %q, want empty", b1.PreviousHash)
	}
	if b2.PreviousHash != b1.Hash {
		t.Fatalf("block 2 previous hash = %q, want %q", b2.PreviousHash, b1.Hash)
	}
	doc, err := engine.VerifyDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("VerifyDocument: %v", err)
	}
	if !doc.Valid || doc.Block == nil || doc.Block.Hash != b1.Hash {
		t.Fatalf("expected doc-1 valid, got %+v", doc)
	}
	unknown, err := engine.VerifyDocumentByContentHash(ctx, "zzz")
	if err != nil {
		t.Fatalf("VerifyDocumentByContentHash: %v", err)
	}
	if unknown.Valid || len(unknown.Errors) != 1 || !strings.HasPrefix(unknown.Errors[0], "Document not found in blockchain") {
		t.Fatalf("expected not found report, got %+v", unknown)
	}
	byContent, err := engine.VerifyDocumentByContentHash(ctx, "bbb")
	if err != nil || !byContent.Valid {
		t.Fatalf("expected bbb to verify, got %+v err=%v", byContent, err)
	}
}

func TestAppendHashMatchesCanonicalShape(t *testing.T) {
	engine, _ := newTestEngine(t)
	b := mustAppend(t, engine, "doc-1", "aaa")
	want, err := protocol.HashValue(map[string]any{
		"document_id":    "doc-1",
		"previous_hash":  nil,
		"content_hash":   "aaa",
		"signature_data": `["alice","bob"]`,
		"metadata":       map[string]any{"template": "invoice"},
		"timestamp":      "2024-06-01T09:30:00.000Z",
	})
	if err != nil {
		t.Fatalf("HashValue: %v", err)
	}
	if b.Hash != want {
		t.Fatalf("block hash = %s, want %s", b.Hash, want)
	}
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := engine.Append(ctx, AppendInput{DocumentID: " ", ContentHash: "aaa"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
	if _, err := engine.Append(ctx, AppendInput{DocumentID: "doc", ContentHash: "aaa", Metadata: map[string]any{"bad": make(chan int)}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-portable metadata, got %v", err)
	}
}

func TestAppendDuplicateIsConflict(t *testing.T) {
	engine, _ := newTestEngine(t)
	mustAppend(t, engine, "doc-1", "aaa")
	_, err := engine.Append(context.Background(), AppendInput{DocumentID: "doc-1", ContentHash: "other"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestVerifyAllDetectsTampering(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	mustAppend(t, engine, "doc-1", "aaa")
	mustAppend(t, engine, "doc-2", "bbb")
	mustAppend(t, engine, "doc-3", "ccc")

	store.blocks[1].ContentHash = "forged"

	report, err := engine.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if report.Valid {
		t.Fatalf("expected tampered chain to be invalid")
	}
	if len(report.Errors) != 1 || report.Errors[0] != "Block doc-2 has invalid hash" {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	doc, err := engine.VerifyDocument(ctx, "doc-2")
	if err != nil {
		t.Fatalf("VerifyDocument: %v", err)
	}
	if doc.Valid || doc.Errors[0] != "Block hash verification failed" {
		t.Fatalf("expected hash failure, got %+v", doc)
	}
}

func TestVerifyAllReportsEveryProblem(t *testing.T) {
	engine, store := newTestEngine(t)
	mustAppend(t, engine, "doc-1", "aaa")
	mustAppend(t, engine, "doc-2", "bbb")
	mustAppend(t, engine, "doc-3", "ccc")

	store.blocks[0].Metadata["template"] = "changed"
	store.blocks[2].PreviousHash = "0000"

	report, err := engine.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	want := []string{
		"Block doc-1 has invalid hash",
		"Block doc-3 has invalid hash",
		"Block doc-3 has invalid previous hash link",
	}
	if fmt.Sprint(report.Errors) != fmt.Sprint(want) {
		t.Fatalf("errors = %v, want %v", report.Errors, want)
	}
}

func TestVerifyAllGenesisRule(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	forged := protocol.Block{
		DocumentID:   "doc-0",
		PreviousHash: "deadbeef",
		ContentHash:  "aaa",
		Metadata:     map[string]any{},
		Timestamp:    testEpoch,
	}
	hash, err := ComputeHash(forged)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	forged.Hash = hash
	if err := store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Insert(ctx, forged)
		return err
	}); err != nil {
		t.Fatalf("insert forged block: %v", err)
	}
	report, err := engine.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if report.Valid || len(report.Errors) != 1 || report.Errors[0] != "First block doc-0 should have null previous_hash" {
		t.Fatalf("unexpected report %+v", report)
	}

	doc, err := engine.VerifyDocument(ctx, "doc-0")
	if err != nil {
		t.Fatalf("VerifyDocument: %v", err)
	}
	if doc.Valid || doc.Errors[0] != "Previous block not found" {
		t.Fatalf("expected missing predecessor, got %+v", doc)
	}
}

func TestVerifyDocumentNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	doc, err := engine.VerifyDocument(context.Background(), "nope")
	if err != nil {
		t.Fatalf("VerifyDocument: %v", err)
	}
	if doc.Valid || doc.Block != nil || len(doc.Errors) != 1 || doc.Errors[0] != "Document not found in blockchain" {
		t.Fatalf("unexpected report %+v", doc)
	}
}

func TestVerifyDocumentByContentHashTampered(t *testing.T) {
	engine, store := newTestEngine(t)
	mustAppend(t, engine, "doc-1", "aaa")
	store.blocks[0].SignatureData = `["mallory"]`
	doc, err := engine.VerifyDocumentByContentHash(context.Background(), "aaa")
	if err != nil {
		t.Fatalf("VerifyDocumentByContentHash: %v", err)
	}
	if doc.Valid || !strings.Contains(doc.Errors[0], "tampered") {
		t.Fatalf("expected tamper message, got %+v", doc)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	engine, _ := newTestEngine(t)
	for i := 1; i <= 5; i++ {
		mustAppend(t, engine, fmt.Sprintf("doc-%d", i), fmt.Sprintf("c%d", i))
	}
	got, err := engine.History(context.Background(), 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 || got[0].DocumentID != "doc-5" || got[2].DocumentID != "doc-3" {
		t.Fatalf("unexpected history %+v", got)
	}
	all, err := engine.History(context.Background(), 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("default limit history len=%d err=%v", len(all), err)
	}
}

func TestAnonymizedExport(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := engine.Append(ctx, AppendInput{DocumentID: "secret-1", ContentHash: "aaa", SignatureData: `["alice","bob"]`, Metadata: map[string]any{"z": 1, "a": "x"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := engine.Append(ctx, AppendInput{DocumentID: "secret-2", ContentHash: "bbb", SignatureData: "not json"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	out, err := engine.AnonymizedExport(ctx, 0)
	if err != nil {
		t.Fatalf("AnonymizedExport: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(out))
	}
	first := out[0]
	if first.Sequence != 1 || first.SignatureCount != 2 || fmt.Sprint(first.MetadataKeys) != "[a z]" {
		t.Fatalf("unexpected first export row %+v", first)
	}
	if first.SignatureHash != protocol.SHA256Hex([]byte(`["alice","bob"]`)) {
		t.Fatalf("signature hash must cover the raw signature data")
	}
	if out[1].Sequence != 2 || out[1].SignatureCount != 0 || out[1].PreviousHash != first.Hash {
		t.Fatalf("unexpected second export row %+v", out[1])
	}
	limited, err := engine.AnonymizedExport(ctx, -5)
	if err != nil || len(limited) != 1 {
		t.Fatalf("negative limit should clamp to 1, got len=%d err=%v", len(limited), err)
	}
}

func TestClampExportLimit(t *testing.T) {
	cases := map[int]int{0: 1000, -1: 1, 1: 1, 4999: 4999, 5000: 5000, 9000: 5000}
	for in, want := range cases {
		if got := ClampExportLimit(in); got != want {
			t.Fatalf("ClampExportLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
