package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/darioguarascio/docuchain/internal/api"
	"github.com/darioguarascio/docuchain/internal/config"
	machinecrypto "github.com/darioguarascio/docuchain/internal/crypto"
	"github.com/darioguarascio/docuchain/internal/envelope"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/logging"
	"github.com/darioguarascio/docuchain/internal/queue"
	"github.com/darioguarascio/docuchain/internal/service"
	"github.com/darioguarascio/docuchain/internal/worker"
)

type Application struct {
	Server  *http.Server
	Backend *Backend
	Queue   *queue.Queue
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	signer, err := LoadSigner(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &Application{Backend: backend}

	engine, err := ledger.NewEngine(ledger.EngineParams{Store: backend.Store, Logger: logger})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build ledger engine: %w", err)
	}

	checks := map[string]service.Pinger{}
	if backend.Pinger != nil {
		checks["storage"] = backend.Pinger
	}
	docParams := service.DocumentParams{
		Engine:   engine,
		Statuses: backend.Statuses,
		Verifier: Verifier(cfg),
		Logger:   logger,
	}
	if cfg.QueueEnabled() {
		q, err := DialQueue(ctx, cfg, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.Queue = q
		docParams.Queue = q
		checks["queue"] = q
	}
	if cfg.Generator.BackendURL != "" {
		docParams.Generator = NewGenerator(cfg)
	}

	documents, err := service.NewDocumentService(docParams)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build document service: %w", err)
	}
	ledgerParams := service.LedgerParams{
		Engine:  engine,
		Signer:  signer,
		Checks:  checks,
		Logger:  logger,
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
	}
	if a.Queue != nil {
		ledgerParams.Queue = a.Queue
	}
	ledgerSvc, err := service.NewLedgerService(ledgerParams)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build ledger service: %w", err)
	}

	handler := api.NewHandler(api.HandlerParams{
		Documents:        documents,
		Ledger:           ledgerSvc,
		Logger:           logger,
		WriteToken:       cfg.Security.WriteToken,
		MaxArtifactBytes: cfg.Server.MaxArtifactBytes,
	})
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	root := logging.Middleware(logger, Environment(cfg))(router)

	a.Server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return a, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.close()
	return a.Server.Shutdown(ctx)
}

func (a *Application) close() {
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	a.Backend.Close()
}

// Environment is the logging identity of this deployment.
func Environment(cfg *config.Config) logging.Environment {
	return logging.Environment{
		Service:  cfg.Logging.Service,
		Version:  cfg.Logging.Version,
		Commit:   cfg.Logging.Commit,
		Region:   cfg.Logging.Region,
		Instance: cfg.Logging.Instance,
	}
}

func Verifier(cfg *config.Config) envelope.Verifier {
	var v envelope.Verifier
	if cfg.Envelope.HMACSecret != "" {
		v.Secret = []byte(cfg.Envelope.HMACSecret)
	}
	return v
}

// LoadSigner returns nil when no signing key is configured.
func LoadSigner(cfg *config.Config) (*machinecrypto.Signer, error) {
	if cfg.Keys.SigningPrivateKeyPath == "" {
		return nil, nil
	}
	signer, err := machinecrypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	return signer, nil
}

func DialQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.Queue, error) {
	q, err := queue.Dial(ctx, queue.Options{
		Addr:            cfg.Queue.RedisAddr,
		Password:        cfg.Queue.RedisPassword,
		DB:              cfg.Queue.RedisDB,
		Queue:           cfg.Queue.Queue,
		DeadLetterQueue: cfg.Queue.DeadLetterQueue,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	return q, nil
}

func NewGenerator(cfg *config.Config) *worker.HTTPGenerator {
	return worker.NewHTTPGenerator(
		cfg.Generator.BackendURL,
		time.Duration(cfg.Generator.TimeoutSeconds)*time.Second,
		cfg.Generator.MaxArtifactBytes,
	)
}
