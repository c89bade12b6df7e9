package ledger

import (
	"context"
	"time"

	"github.com/darioguarascio/docuchain/internal/protocol"
)

type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

type ListOptions struct {
	Order Order
	// Limit <= 0 lists every block.
	Limit int
}

// Reader is the read side of a block store. Chronological order is creation
// instant, ties broken by insertion order.
type Reader interface {
	Last(ctx context.Context) (protocol.Block, bool, error)
	List(ctx context.Context, opts ListOptions) ([]protocol.Block, error)
	ByDocumentID(ctx context.Context, documentID string) (protocol.Block, bool, error)
	ByContentHash(ctx context.Context, contentHash string) (protocol.Block, bool, error)
	ByHash(ctx context.Context, hash string) (protocol.Block, bool, error)
}

// Tx is the view of the store held while the chain tail is locked.
type Tx interface {
	Last(ctx context.Context) (protocol.Block, bool, error)
	// Insert fails with ErrConflict when document_id or hash already exists.
	Insert(ctx context.Context, block protocol.Block) (protocol.Block, error)
}

// Store is an append-only block store. Atomic runs fn with exclusive access to
// the tail so that reading the last block and inserting its successor cannot
// interleave with another append. Blocks inserted through tx are discarded if
// fn returns an error.
type Store interface {
	Reader
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// DocumentStatus tracks a generation job outside the ledger itself.
type DocumentStatus struct {
	DocumentID   string    `json:"document_id"`
	Status       string    `json:"status"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type StatusStore interface {
	SetStatus(ctx context.Context, status DocumentStatus) error
	GetStatus(ctx context.Context, documentID string) (DocumentStatus, bool, error)
}
