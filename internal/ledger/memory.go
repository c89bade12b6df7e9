package ledger

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/darioguarascio/docuchain/internal/protocol"
)

// MemoryStore keeps the chain in process memory. Appends are serialized by a
// writer mutex; readers see only committed blocks.
type MemoryStore struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	blocks   []protocol.Block
	byDoc    map[string]int
	byHash   map[string]int
	statuses map[string]DocumentStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDoc:    map[string]int{},
		byHash:   map[string]int{},
		statuses: map[string]DocumentStatus{},
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range tx.staged {
		s.byDoc[b.DocumentID] = len(s.blocks)
		s.byHash[b.Hash] = len(s.blocks)
		s.blocks = append(s.blocks, b)
	}
	return nil
}

func (s *MemoryStore) Last(ctx context.Context) (protocol.Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return protocol.Block{}, false, nil
	}
	return cloneBlock(s.blocks[len(s.blocks)-1]), true, nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]protocol.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.blocks)
	if opts.Limit > 0 && opts.Limit < n {
		n = opts.Limit
	}
	out := make([]protocol.Block, 0, n)
	for i := 0; i < n; i++ {
		idx := i
		if opts.Order == NewestFirst {
			idx = len(s.blocks) - 1 - i
		}
		out = append(out, cloneBlock(s.blocks[idx]))
	}
	return out, nil
}

func (s *MemoryStore) ByDocumentID(ctx context.Context, documentID string) (protocol.Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byDoc[documentID]
	if !ok {
		return protocol.Block{}, false, nil
	}
	return cloneBlock(s.blocks[idx]), true, nil
}

func (s *MemoryStore) ByContentHash(ctx context.Context, contentHash string) (protocol.Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.blocks {
		if b.ContentHash == contentHash {
			return cloneBlock(b), true, nil
		}
	}
	return protocol.Block{}, false, nil
}

func (s *MemoryStore) ByHash(ctx context.Context, hash string) (protocol.Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byHash[hash]
	if !ok {
		return protocol.Block{}, false, nil
	}
	return cloneBlock(s.blocks[idx]), true, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, status DocumentStatus) error {
	if status.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.DocumentID] = status
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, documentID string) (DocumentStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[documentID]
	return st, ok, nil
}

type memoryTx struct {
	store  *MemoryStore
	staged []protocol.Block
}

func (tx *memoryTx) Last(ctx context.Context) (protocol.Block, bool, error) {
	if n := len(tx.staged); n > 0 {
		return cloneBlock(tx.staged[n-1]), true, nil
	}
	return tx.store.Last(ctx)
}

func (tx *memoryTx) Insert(ctx context.Context, block protocol.Block) (protocol.Block, error) {
	tx.store.mu.RLock()
	_, docTaken := tx.store.byDoc[block.DocumentID]
	_, hashTaken := tx.store.byHash[block.Hash]
	tx.store.mu.RUnlock()
	for _, b := range tx.staged {
		docTaken = docTaken || b.DocumentID == block.DocumentID
		hashTaken = hashTaken || b.Hash == block.Hash
	}
	if docTaken {
		return protocol.Block{}, fmt.Errorf("%w: document_id %q", ErrConflict, block.DocumentID)
	}
	if hashTaken {
		return protocol.Block{}, fmt.Errorf("%w: hash %q", ErrConflict, block.Hash)
	}
	block = cloneBlock(block)
	tx.staged = append(tx.staged, block)
	return cloneBlock(block), nil
}

func cloneBlock(b protocol.Block) protocol.Block {
	b.Metadata = maps.Clone(b.Metadata)
	return b
}
