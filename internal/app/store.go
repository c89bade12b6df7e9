package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/darioguarascio/docuchain/internal/config"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/service"
	"github.com/darioguarascio/docuchain/internal/storage/ledgergorm"
	"github.com/darioguarascio/docuchain/internal/storage/ledgerpostgres"
)

// Backend is an opened block store together with its status table.
type Backend struct {
	Store    ledger.Store
	Statuses ledger.StatusStore
	// Pinger is nil for the in-memory driver.
	Pinger service.Pinger
	close  func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

type storeBackend interface {
	ledger.Store
	ledger.StatusStore
	service.Pinger
	Close()
}

// OpenBackend opens the store selected by storage.driver.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	var (
		s   storeBackend
		err error
	)
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		mem := ledger.NewMemoryStore()
		logger.Warn("using in-memory ledger store; blocks are lost on restart")
		return &Backend{Store: mem, Statuses: mem}, nil
	case config.DriverPostgres:
		s, err = ledgerpostgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	case config.DriverGormPostgres:
		s, err = ledgergorm.Open(ctx, ledgergorm.Options{
			Dialect:  ledgergorm.DialectPostgres,
			DSN:      cfg.Storage.PostgresDSN,
			MaxConns: int(cfg.Storage.MaxConns),
			Logger:   logger,
		})
	case config.DriverSQLite:
		s, err = ledgergorm.Open(ctx, ledgergorm.Options{
			Dialect: ledgergorm.DialectSQLite,
			DSN:     cfg.Storage.SQLitePath,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return &Backend{Store: s, Statuses: s, Pinger: s, close: s.Close}, nil
}
