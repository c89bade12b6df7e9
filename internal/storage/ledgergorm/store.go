package ledgergorm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const tailLockKey int64 = 0x646f6363_6861696e

type Options struct {
	Dialect  string
	DSN      string
	MaxConns int
	Logger   *slog.Logger
}

// Store maps the chain onto GORM models. On SQLite appends are serialized by a
// process mutex over a single connection; on Postgres by an advisory lock.
type Store struct {
	db      *gorm.DB
	dialect string
	writeMu sync.Mutex
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Dialect {
	case DialectPostgres:
		dialector = postgres.Open(opts.DSN)
	case DialectSQLite:
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported gorm dialect %q", opts.Dialect)
	}

	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	}
	if opts.Logger != nil {
		cfg.Logger = gormLogger.New(
			slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Dialect, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%s handle: %w", opts.Dialect, err)
	}
	switch {
	case opts.Dialect == DialectSQLite:
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	case opts.MaxConns > 0:
		sqlDB.SetMaxOpenConns(opts.MaxConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Dialect, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&BlockRecord{}, &DocumentRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db, dialect: opts.Dialect}, nil
}

func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB exposes the handle for maintenance tooling.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if s.dialect == DialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.dialect == DialectPostgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", tailLockKey).Error; err != nil {
				return fmt.Errorf("lock chain tail: %w", err)
			}
		}
		return fn(ctx, &gormTx{db: tx})
	})
	return mapWriteError(err)
}

func (s *Store) Last(ctx context.Context) (protocol.Block, bool, error) {
	return lastBlock(s.db.WithContext(ctx))
}

func (s *Store) List(ctx context.Context, opts ledger.ListOptions) ([]protocol.Block, error) {
	q := s.db.WithContext(ctx).Model(&BlockRecord{})
	if opts.Order == ledger.NewestFirst {
		q = q.Order("created_at DESC").Order("id DESC")
	} else {
		q = q.Order("created_at ASC").Order("id ASC")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var records []BlockRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.Block, 0, len(records))
	for _, r := range records {
		b, err := r.toBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) ByDocumentID(ctx context.Context, documentID string) (protocol.Block, bool, error) {
	return firstBlock(s.db.WithContext(ctx).Where("document_id = ?", documentID))
}

func (s *Store) ByContentHash(ctx context.Context, contentHash string) (protocol.Block, bool, error) {
	return firstBlock(s.db.WithContext(ctx).Where("content_hash = ?", contentHash).Order("created_at ASC").Order("id ASC"))
}

func (s *Store) ByHash(ctx context.Context, hash string) (protocol.Block, bool, error) {
	return firstBlock(s.db.WithContext(ctx).Where("hash = ?", hash))
}

func (s *Store) SetStatus(ctx context.Context, status ledger.DocumentStatus) error {
	if status.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ledger.ErrInvalidInput)
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	rec := DocumentRecord{
		DocumentID:   status.DocumentID,
		Status:       status.Status,
		ArtifactPath: status.ArtifactPath,
		ErrorMessage: status.ErrorMessage,
		UpdatedAt:    status.UpdatedAt.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "artifact_path", "error_message", "updated_at"}),
	}).Create(&rec).Error
}

func (s *Store) GetStatus(ctx context.Context, documentID string) (ledger.DocumentStatus, bool, error) {
	var rec DocumentRecord
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.DocumentStatus{}, false, nil
	}
	if err != nil {
		return ledger.DocumentStatus{}, false, err
	}
	return ledger.DocumentStatus{
		DocumentID:   rec.DocumentID,
		Status:       rec.Status,
		ArtifactPath: rec.ArtifactPath,
		ErrorMessage: rec.ErrorMessage,
		UpdatedAt:    rec.UpdatedAt.UTC(),
	}, true, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Last(ctx context.Context) (protocol.Block, bool, error) {
	return lastBlock(t.db.WithContext(ctx))
}

func (t *gormTx) Insert(ctx context.Context, block protocol.Block) (protocol.Block, error) {
	rec, err := fromBlock(block)
	if err != nil {
		return protocol.Block{}, err
	}
	if err := t.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return protocol.Block{}, mapWriteError(err)
	}
	return block, nil
}

func lastBlock(db *gorm.DB) (protocol.Block, bool, error) {
	return firstBlock(db.Order("created_at DESC").Order("id DESC"))
}

func firstBlock(q *gorm.DB) (protocol.Block, bool, error) {
	var rec BlockRecord
	err := q.Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Block{}, false, nil
	}
	if err != nil {
		return protocol.Block{}, false, err
	}
	b, err := rec.toBlock()
	if err != nil {
		return protocol.Block{}, false, err
	}
	return b, true, nil
}

func fromBlock(b protocol.Block) (BlockRecord, error) {
	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return BlockRecord{}, fmt.Errorf("marshal metadata: %w", err)
	}
	rec := BlockRecord{
		DocumentID:    b.DocumentID,
		Hash:          b.Hash,
		ContentHash:   b.ContentHash,
		SignatureData: b.SignatureData,
		Metadata:      datatypes.JSON(metadata),
		CreatedAt:     b.Timestamp.UTC(),
	}
	if b.PreviousHash != "" {
		prev := b.PreviousHash
		rec.PreviousHash = &prev
	}
	return rec, nil
}

func (r BlockRecord) toBlock() (protocol.Block, error) {
	metadata := map[string]any{}
	if len(r.Metadata) > 0 {
		dec := json.NewDecoder(bytes.NewReader(r.Metadata))
		dec.UseNumber()
		if err := dec.Decode(&metadata); err != nil {
			return protocol.Block{}, fmt.Errorf("decode metadata of %s: %w", r.DocumentID, err)
		}
	}
	b := protocol.Block{
		DocumentID:    r.DocumentID,
		Hash:          r.Hash,
		ContentHash:   r.ContentHash,
		SignatureData: r.SignatureData,
		Metadata:      metadata,
		Timestamp:     r.CreatedAt.UTC(),
	}
	if r.PreviousHash != nil {
		b.PreviousHash = *r.PreviousHash
	}
	return b, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrConflict) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}
