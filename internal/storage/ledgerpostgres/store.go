package ledgerpostgres

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
)

//go:embed migrations/001_init.sql
var migration001 string

// tailLockKey is the pg_advisory_xact_lock key held while appending.
const tailLockKey int64 = 0x646f6363_6861696e

const blockColumns = `document_id, COALESCE(previous_hash,''), hash, content_hash, signature_data, metadata, created_at`

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) applyMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration001)
	if err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

// Atomic holds a transaction-scoped advisory lock for the whole of fn. The
// transaction runs at READ COMMITTED so the tail read after the lock is
// granted sees every append committed before it.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tailLockKey); err != nil {
		return fmt.Errorf("lock chain tail: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(fmt.Errorf("commit append tx: %w", err))
	}
	return nil
}

func (s *Store) Last(ctx context.Context) (protocol.Block, bool, error) {
	return lastBlock(ctx, s.pool)
}

func (s *Store) List(ctx context.Context, opts ledger.ListOptions) ([]protocol.Block, error) {
	order := "ASC"
	if opts.Order == ledger.NewestFirst {
		order = "DESC"
	}
	query := `SELECT ` + blockColumns + ` FROM ledger_blocks ORDER BY created_at ` + order + `, id ` + order
	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, opts.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []protocol.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ByDocumentID(ctx context.Context, documentID string) (protocol.Block, bool, error) {
	return oneBlock(ctx, s.pool, `SELECT `+blockColumns+` FROM ledger_blocks WHERE document_id = $1`, documentID)
}

func (s *Store) ByContentHash(ctx context.Context, contentHash string) (protocol.Block, bool, error) {
	return oneBlock(ctx, s.pool, `SELECT `+blockColumns+` FROM ledger_blocks WHERE content_hash = $1 ORDER BY created_at ASC, id ASC LIMIT 1`, contentHash)
}

func (s *Store) ByHash(ctx context.Context, hash string) (protocol.Block, bool, error) {
	return oneBlock(ctx, s.pool, `SELECT `+blockColumns+` FROM ledger_blocks WHERE hash = $1`, hash)
}

func (s *Store) SetStatus(ctx context.Context, status ledger.DocumentStatus) error {
	if status.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ledger.ErrInvalidInput)
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (document_id, status, artifact_path, error_message, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (document_id) DO UPDATE SET
  status = EXCLUDED.status,
  artifact_path = EXCLUDED.artifact_path,
  error_message = EXCLUDED.error_message,
  updated_at = EXCLUDED.updated_at
`, status.DocumentID, status.Status, status.ArtifactPath, status.ErrorMessage, status.UpdatedAt.UTC())
	return err
}

func (s *Store) GetStatus(ctx context.Context, documentID string) (ledger.DocumentStatus, bool, error) {
	var out ledger.DocumentStatus
	err := s.pool.QueryRow(ctx, `
SELECT document_id, status, artifact_path, error_message, updated_at
FROM documents WHERE document_id = $1
`, documentID).Scan(&out.DocumentID, &out.Status, &out.ArtifactPath, &out.ErrorMessage, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, true, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Last(ctx context.Context) (protocol.Block, bool, error) {
	return lastBlock(ctx, t.tx)
}

func (t *pgTx) Insert(ctx context.Context, block protocol.Block) (protocol.Block, error) {
	metadata, err := json.Marshal(block.Metadata)
	if err != nil {
		return protocol.Block{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO ledger_blocks (document_id, previous_hash, hash, content_hash, signature_data, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7)
`, block.DocumentID, nullableString(block.PreviousHash), block.Hash, block.ContentHash, block.SignatureData, metadata, block.Timestamp.UTC())
	if err != nil {
		return protocol.Block{}, mapWriteError(err)
	}
	return block, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lastBlock(ctx context.Context, q querier) (protocol.Block, bool, error) {
	return oneBlock(ctx, q, `SELECT `+blockColumns+` FROM ledger_blocks ORDER BY created_at DESC, id DESC LIMIT 1`)
}

func oneBlock(ctx context.Context, q querier, sql string, args ...any) (protocol.Block, bool, error) {
	b, err := scanBlock(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.Block{}, false, nil
	}
	if err != nil {
		return protocol.Block{}, false, err
	}
	return b, true, nil
}

func scanBlock(row pgx.Row) (protocol.Block, error) {
	var out protocol.Block
	var metadataRaw []byte
	if err := row.Scan(
		&out.DocumentID,
		&out.PreviousHash,
		&out.Hash,
		&out.ContentHash,
		&out.SignatureData,
		&metadataRaw,
		&out.Timestamp,
	); err != nil {
		return out, err
	}
	metadata, err := decodeMetadata(metadataRaw)
	if err != nil {
		return out, fmt.Errorf("decode metadata of %s: %w", out.DocumentID, err)
	}
	out.Metadata = metadata
	out.Timestamp = out.Timestamp.UTC()
	return out, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
