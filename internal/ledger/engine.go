package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/darioguarascio/docuchain/internal/protocol"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
	DefaultExportLimit  = 1000
	MaxExportLimit      = 5000
)

const (
	msgDocumentNotFound        = "Document not found in blockchain"
	msgContentNotFound         = "Document not found in blockchain - this document was not generated by this system"
	msgBlockHashFailed         = "Block hash verification failed"
	msgContentBlockHashFailed  = "Block hash verification failed - the ledger entry for this document has been tampered with"
	msgPreviousBlockNotFound   = "Previous block not found"
	fmtInvalidHash             = "Block %s has invalid hash"
	fmtInvalidPreviousLink     = "Block %s has invalid previous hash link"
	fmtGenesisPreviousNotEmpty = "First block %s should have null previous_hash"
)

type AppendInput struct {
	DocumentID    string
	ContentHash   string
	SignatureData string
	Metadata      map[string]any
}

type Engine struct {
	store  Store
	clock  Clock
	logger *slog.Logger
}

type EngineParams struct {
	Store  Store
	Clock  Clock
	Logger *slog.Logger
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Clock == nil {
		params.Clock = SystemClock()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Engine{store: params.Store, clock: params.Clock, logger: params.Logger}, nil
}

func (e *Engine) Append(ctx context.Context, in AppendInput) (protocol.Block, error) {
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	in.ContentHash = strings.TrimSpace(in.ContentHash)
	if in.DocumentID == "" || in.ContentHash == "" {
		return protocol.Block{}, fmt.Errorf("%w: document id and content hash are required", ErrInvalidInput)
	}
	metadata, err := protocol.NormalizeMetadata(in.Metadata)
	if err != nil {
		return protocol.Block{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var out protocol.Block
	err = e.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		last, found, err := tx.Last(ctx)
		if err != nil {
			return fmt.Errorf("read chain tail: %w", err)
		}
		block := protocol.Block{
			DocumentID:    in.DocumentID,
			ContentHash:   in.ContentHash,
			SignatureData: in.SignatureData,
			Metadata:      metadata,
			Timestamp:     e.clock.Now().UTC().Truncate(time.Millisecond),
		}
		if found {
			block.PreviousHash = last.Hash
			// Stores order by timestamp; a block must never sort before its predecessor.
			if block.Timestamp.Before(last.Timestamp) {
				block.Timestamp = last.Timestamp.UTC()
			}
		}
		block.Hash, err = protocol.HashValue(block.HashShape(metadata))
		if err != nil {
			return fmt.Errorf("hash block: %w", err)
		}
		out, err = tx.Insert(ctx, block)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.logger.Warn("ledger append conflict", slog.String("document_id", in.DocumentID), slog.String("error", err.Error()))
		}
		return protocol.Block{}, err
	}
	e.logger.Info("ledger block appended",
		slog.String("document_id", out.DocumentID),
		slog.String("hash", out.Hash),
		slog.Bool("genesis", out.IsGenesis()),
	)
	return out, nil
}

// ComputeHash recomputes a stored block's hash from its fields.
func ComputeHash(b protocol.Block) (string, error) {
	metadata, err := protocol.NormalizeMetadata(b.Metadata)
	if err != nil {
		return "", err
	}
	return protocol.HashValue(b.HashShape(metadata))
}

func (e *Engine) VerifyAll(ctx context.Context) (protocol.ChainReport, error) {
	blocks, err := e.store.List(ctx, ListOptions{Order: OldestFirst})
	if err != nil {
		return protocol.ChainReport{}, fmt.Errorf("list blocks: %w", err)
	}
	report := protocol.ChainReport{
		BlockCount: len(blocks),
		Errors:     []string{},
		CheckedAt:  e.clock.Now().UTC(),
	}
	for i, b := range blocks {
		if !hashMatches(b) {
			report.Errors = append(report.Errors, fmt.Sprintf(fmtInvalidHash, b.DocumentID))
		}
		if i == 0 {
			if !b.IsGenesis() {
				report.Errors = append(report.Errors, fmt.Sprintf(fmtGenesisPreviousNotEmpty, b.DocumentID))
			}
			continue
		}
		if b.PreviousHash != blocks[i-1].Hash {
			report.Errors = append(report.Errors, fmt.Sprintf(fmtInvalidPreviousLink, b.DocumentID))
		}
	}
	report.Valid = len(report.Errors) == 0
	if !report.Valid {
		e.logger.Warn("ledger integrity violation", slog.Int("blocks", len(blocks)), slog.Int("errors", len(report.Errors)))
	}
	return report, nil
}

func (e *Engine) VerifyDocument(ctx context.Context, documentID string) (protocol.DocumentReport, error) {
	block, found, err := e.store.ByDocumentID(ctx, strings.TrimSpace(documentID))
	if err != nil {
		return protocol.DocumentReport{}, fmt.Errorf("find block by document id: %w", err)
	}
	if !found {
		return protocol.DocumentReport{Errors: []string{msgDocumentNotFound}}, nil
	}
	return e.verifyBlock(ctx, block, msgBlockHashFailed)
}

// VerifyDocumentByContentHash serves third-party uploads, so its messages tell
// "never issued here" apart from "issued here but the entry was altered".
func (e *Engine) VerifyDocumentByContentHash(ctx context.Context, contentHash string) (protocol.DocumentReport, error) {
	block, found, err := e.store.ByContentHash(ctx, strings.TrimSpace(contentHash))
	if err != nil {
		return protocol.DocumentReport{}, fmt.Errorf("find block by content hash: %w", err)
	}
	if !found {
		return protocol.DocumentReport{Errors: []string{msgContentNotFound}}, nil
	}
	return e.verifyBlock(ctx, block, msgContentBlockHashFailed)
}

func (e *Engine) verifyBlock(ctx context.Context, block protocol.Block, hashFailure string) (protocol.DocumentReport, error) {
	report := protocol.DocumentReport{Block: &block, Errors: []string{}}
	if !hashMatches(block) {
		report.Errors = append(report.Errors, hashFailure)
	}
	if !block.IsGenesis() {
		_, found, err := e.store.ByHash(ctx, block.PreviousHash)
		if err != nil {
			return protocol.DocumentReport{}, fmt.Errorf("find previous block: %w", err)
		}
		if !found {
			report.Errors = append(report.Errors, msgPreviousBlockNotFound)
		}
	}
	report.Valid = len(report.Errors) == 0
	return report, nil
}

func hashMatches(b protocol.Block) bool {
	computed, err := ComputeHash(b)
	if err != nil {
		return false
	}
	return computed == b.Hash
}

// Tail returns the most recent block.
func (e *Engine) Tail(ctx context.Context) (protocol.Block, bool, error) {
	return e.store.Last(ctx)
}

func (e *Engine) History(ctx context.Context, limit int) ([]protocol.Block, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	blocks, err := e.store.List(ctx, ListOptions{Order: NewestFirst, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

func ClampExportLimit(limit int) int {
	if limit == 0 {
		return DefaultExportLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxExportLimit {
		return MaxExportLimit
	}
	return limit
}

func (e *Engine) AnonymizedExport(ctx context.Context, limit int) ([]protocol.AnonymizedBlock, error) {
	blocks, err := e.store.List(ctx, ListOptions{Order: OldestFirst, Limit: ClampExportLimit(limit)})
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	out := make([]protocol.AnonymizedBlock, 0, len(blocks))
	for i, b := range blocks {
		out = append(out, Anonymize(i+1, b))
	}
	return out, nil
}

func Anonymize(sequence int, b protocol.Block) protocol.AnonymizedBlock {
	keys := make([]string, 0, len(b.Metadata))
	for k := range b.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return protocol.AnonymizedBlock{
		Sequence:       sequence,
		Hash:           b.Hash,
		PreviousHash:   b.PreviousHash,
		ContentHash:    b.ContentHash,
		Timestamp:      b.Timestamp,
		SignatureCount: signatureCount(b.SignatureData),
		SignatureHash:  protocol.SHA256Hex([]byte(b.SignatureData)),
		MetadataKeys:   keys,
	}
}

func signatureCount(raw string) int {
	var signers []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &signers); err != nil {
		return 0
	}
	return len(signers)
}

// InclusionProof proves a document's block is part of the chain as it stands
// now, oldest block first. It reports false when the document has no block.
func (e *Engine) InclusionProof(ctx context.Context, documentID string) (*protocol.MerkleProof, bool, error) {
	blocks, err := e.store.List(ctx, ListOptions{Order: OldestFirst})
	if err != nil {
		return nil, false, fmt.Errorf("list blocks: %w", err)
	}
	documentID = strings.TrimSpace(documentID)
	leaves := make([]string, len(blocks))
	index := -1
	for i, b := range blocks {
		leaves[i] = b.Hash
		if b.DocumentID == documentID {
			index = i
		}
	}
	if index < 0 {
		return nil, false, nil
	}
	proof, err := protocol.ComputeInclusionProof(leaves, index)
	if err != nil {
		return nil, false, fmt.Errorf("compute inclusion proof: %w", err)
	}
	return proof, true, nil
}
