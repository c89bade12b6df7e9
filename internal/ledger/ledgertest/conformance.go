// Package ledgertest holds store-agnostic checks shared by every ledger.Store implementation.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darioguarascio/docuchain/internal/ledger"
)

// StoreFactory returns an empty store. Cleanup is registered on t.
type StoreFactory func(t *testing.T) ledger.Store

// RunStoreConformance exercises append, lookup, ordering and concurrent append safety.
func RunStoreConformance(t *testing.T, newStore StoreFactory) {
	t.Run("ChainLinkage", func(t *testing.T) { testChainLinkage(t, newStore(t)) })
	t.Run("Lookups", func(t *testing.T) { testLookups(t, newStore(t)) })
	t.Run("DuplicateDocumentConflicts", func(t *testing.T) { testDuplicateConflicts(t, newStore(t)) })
	t.Run("ConcurrentAppendsDoNotFork", func(t *testing.T) { testConcurrentAppends(t, newStore(t), 24) })
	t.Run("ClockRegressionKeepsOrder", func(t *testing.T) { testClockRegression(t, newStore(t)) })
}

// sequenceClock replays fixed instants, repeating the last one.
type sequenceClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *sequenceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return now
}

// SteppingClock advances by one millisecond on every call.
type SteppingClock struct {
	mu   sync.Mutex
	next time.Time
}

func NewSteppingClock(start time.Time) *SteppingClock {
	return &SteppingClock{next: start}
}

func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(time.Millisecond)
	return now
}

func newEngine(t *testing.T, store ledger.Store) *ledger.Engine {
	t.Helper()
	engine, err := ledger.NewEngine(ledger.EngineParams{
		Store: store,
		Clock: NewSteppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func testChainLinkage(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	engine := newEngine(t, store)
	first, err := engine.Append(ctx, ledger.AppendInput{DocumentID: "doc-1", ContentHash: "aaa", SignatureData: `["alice"]`, Metadata: map[string]any{"template": "nda", "amount": 10.5}})
	if err != nil {
		t.Fatalf("Append doc-1: %v", err)
	}
	second, err := engine.Append(ctx, ledger.AppendInput{DocumentID: "doc-2", ContentHash: "bbb", SignatureData: `[]`})
	if err != nil {
		t.Fatalf("Append doc-2: %v", err)
	}
	if first.PreviousHash != "" {
		t.Fatalf("genesis block must have empty previous hash, got %q", first.PreviousHash)
	}
	if second.PreviousHash != first.Hash {
		t.Fatalf("doc-2 previous hash = %q, want %q", second.PreviousHash, first.Hash)
	}
	report, err := engine.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if !report.Valid || report.BlockCount != 2 {
		t.Fatalf("expected valid two-block chain, got %+v", report)
	}
	doc, err := engine.VerifyDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("VerifyDocument: %v", err)
	}
	if !doc.Valid {
		t.Fatalf("expected doc-1 to verify, got %+v", doc)
	}
	stored, found, err := store.ByDocumentID(ctx, "doc-1")
	if err != nil || !found {
		t.Fatalf("ByDocumentID: found=%v err=%v", found, err)
	}
	if !stored.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("stored timestamp %v differs from appended %v", stored.Timestamp, first.Timestamp)
	}
}

func testLookups(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	engine := newEngine(t, store)
	if _, found, err := store.Last(ctx); err != nil || found {
		t.Fatalf("empty store Last: found=%v err=%v", found, err)
	}
	var blocks []string
	for i := 1; i <= 3; i++ {
		b, err := engine.Append(ctx, ledger.AppendInput{DocumentID: fmt.Sprintf("lookup-%d", i), ContentHash: fmt.Sprintf("content-%d", i)})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		blocks = append(blocks, b.Hash)
	}
	last, found, err := store.Last(ctx)
	if err != nil || !found || last.Hash != blocks[2] {
		t.Fatalf("Last = %+v found=%v err=%v", last, found, err)
	}
	byContent, found, err := store.ByContentHash(ctx, "content-2")
	if err != nil || !found || byContent.DocumentID != "lookup-2" {
		t.Fatalf("ByContentHash = %+v found=%v err=%v", byContent, found, err)
	}
	byHash, found, err := store.ByHash(ctx, blocks[0])
	if err != nil || !found || byHash.DocumentID != "lookup-1" {
		t.Fatalf("ByHash = %+v found=%v err=%v", byHash, found, err)
	}
	newest, err := store.List(ctx, ledger.ListOptions{Order: ledger.NewestFirst, Limit: 2})
	if err != nil || len(newest) != 2 || newest[0].DocumentID != "lookup-3" || newest[1].DocumentID != "lookup-2" {
		t.Fatalf("List newest first = %+v err=%v", newest, err)
	}
	oldest, err := store.List(ctx, ledger.ListOptions{Order: ledger.OldestFirst})
	if err != nil || len(oldest) != 3 || oldest[0].DocumentID != "lookup-1" {
		t.Fatalf("List oldest first = %+v err=%v", oldest, err)
	}
	if _, found, err := store.ByDocumentID(ctx, "missing"); err != nil || found {
		t.Fatalf("ByDocumentID(missing): found=%v err=%v", found, err)
	}
}

func testDuplicateConflicts(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	engine := newEngine(t, store)
	if _, err := engine.Append(ctx, ledger.AppendInput{DocumentID: "dup", ContentHash: "c1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, err := engine.Append(ctx, ledger.AppendInput{DocumentID: "dup", ContentHash: "c2"})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	all, err := store.List(ctx, ledger.ListOptions{})
	if err != nil || len(all) != 1 {
		t.Fatalf("conflicting append must not persist a block: len=%d err=%v", len(all), err)
	}
}

func testConcurrentAppends(t *testing.T, store ledger.Store, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	engine := newEngine(t, store)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := engine.Append(ctx, ledger.AppendInput{
				DocumentID:  fmt.Sprintf("concurrent-%03d", i),
				ContentHash: fmt.Sprintf("hash-%03d", i),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Append: %v", err)
	}

	blocks, err := store.List(ctx, ledger.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blocks) != n {
		t.Fatalf("expected %d blocks, got %d", n, len(blocks))
	}
	seen := make(map[string]string, n)
	genesis := 0
	for _, b := range blocks {
		if b.PreviousHash == "" {
			genesis++
			continue
		}
		if other, ok := seen[b.PreviousHash]; ok {
			t.Fatalf("fork: %s and %s share previous hash %s", other, b.DocumentID, b.PreviousHash)
		}
		seen[b.PreviousHash] = b.DocumentID
	}
	if genesis != 1 {
		t.Fatalf("expected exactly one genesis block, got %d", genesis)
	}
	report, err := engine.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if !report.Valid {
		t.Fatalf("expected valid chain after concurrent appends, got %v", report.Errors)
	}
}

// testClockRegression covers two appenders whose clocks disagree by a few
// milliseconds: the chain must keep growing from the true tail.
func testClockRegression(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	engine, err := ledger.NewEngine(ledger.EngineParams{
		Store: store,
		Clock: &sequenceClock{times: []time.Time{
			base.Add(50 * time.Millisecond),
			base.Add(10 * time.Millisecond),
			base.Add(time.Second),
			base.Add(2 * time.Second),
		}},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ids := []string{"skew-a", "skew-b", "skew-c", "skew-d"}
	var prev string
	for _, id := range ids {
		b, err := engine.Append(ctx, ledger.AppendInput{DocumentID: id, ContentHash: "content-" + id})
		if err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
		if b.PreviousHash != prev {
			t.Fatalf("%s previous hash = %q, want %q", id, b.PreviousHash, prev)
		}
		prev = b.Hash
	}
	last, found, err := store.Last(ctx)
	if err != nil || !found || last.DocumentID != "skew-d" {
		t.Fatalf("Last = %+v found=%v err=%v", last, found, err)
	}
	blocks, err := store.List(ctx, ledger.ListOptions{Order: ledger.OldestFirst})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for i, b := range blocks {
		if b.DocumentID != ids[i] {
			t.Fatalf("block %d is %s, want %s", i, b.DocumentID, ids[i])
		}
		if i > 0 && b.Timestamp.Before(blocks[i-1].Timestamp) {
			t.Fatalf("%s timestamp %v precedes %s at %v", b.DocumentID, b.Timestamp, blocks[i-1].DocumentID, blocks[i-1].Timestamp)
		}
	}
	report, err := engine.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if !report.Valid || report.BlockCount != len(ids) {
		t.Fatalf("expected valid chain despite clock regression, got %+v", report)
	}
}
