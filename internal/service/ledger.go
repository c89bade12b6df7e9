package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	machinecrypto "github.com/darioguarascio/docuchain/internal/crypto"
	"github.com/darioguarascio/docuchain/internal/envelope"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/queue"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepth reports the generation backlog.
type QueueDepth interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

type LedgerService struct {
	engine  *ledger.Engine
	signer  *machinecrypto.Signer
	checks  map[string]Pinger
	queue   QueueDepth
	clock   ledger.Clock
	logger  *slog.Logger
	service string
	version string
}

type LedgerParams struct {
	Engine *ledger.Engine
	// Signer is optional; without it reports are returned unattested.
	Signer  *machinecrypto.Signer
	Checks  map[string]Pinger
	// Queue is optional; with it health reports pending and dead-lettered jobs.
	Queue   QueueDepth
	Clock   ledger.Clock
	Logger  *slog.Logger
	Service string
	Version string
}

func NewLedgerService(p LedgerParams) (*LedgerService, error) {
	if p.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if p.Clock == nil {
		p.Clock = ledger.SystemClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Service == "" {
		p.Service = "docuchain-server"
	}
	if p.Version == "" {
		p.Version = "dev"
	}
	return &LedgerService{
		engine:  p.Engine,
		signer:  p.Signer,
		checks:  p.Checks,
		queue:   p.Queue,
		clock:   p.Clock,
		logger:  p.Logger,
		service: p.Service,
		version: p.Version,
	}, nil
}

func (s *LedgerService) VerifyAll(ctx context.Context) (protocol.ChainReport, error) {
	report, err := s.engine.VerifyAll(ctx)
	if err != nil {
		return protocol.ChainReport{}, Internal("verify chain", err)
	}
	if s.signer != nil {
		att, err := s.signer.Attest(report)
		if err != nil {
			return protocol.ChainReport{}, Internal("attest chain report", err)
		}
		report.Attestation = &att
	}
	return report, nil
}

func (s *LedgerService) VerifyDocument(ctx context.Context, documentID string) (protocol.DocumentReport, error) {
	if strings.TrimSpace(documentID) == "" {
		return protocol.DocumentReport{}, BadRequest("document id is required")
	}
	report, err := s.engine.VerifyDocument(ctx, documentID)
	if err != nil {
		return protocol.DocumentReport{}, Internal("verify document", err)
	}
	return report, nil
}

// VerifyUpload checks an artifact a third party holds. A preview marker left on
// the upload is stripped first so the committed bytes are what get hashed.
func (s *LedgerService) VerifyUpload(ctx context.Context, data []byte) (protocol.UploadReport, error) {
	if len(data) == 0 {
		return protocol.UploadReport{}, BadRequest("artifact body is required")
	}
	unsigned := envelope.Extract(data).Unsigned
	contentHash := protocol.SHA256Hex(unsigned)
	report, err := s.engine.VerifyDocumentByContentHash(ctx, contentHash)
	if err != nil {
		return protocol.UploadReport{}, Internal("verify upload", err)
	}
	return protocol.UploadReport{ContentHash: contentHash, DocumentReport: report}, nil
}

func (s *LedgerService) History(ctx context.Context, limit int) ([]protocol.Block, error) {
	blocks, err := s.engine.History(ctx, limit)
	if err != nil {
		return nil, Internal("list history", err)
	}
	return blocks, nil
}

func (s *LedgerService) Export(ctx context.Context, limit int) (protocol.ExportResponse, error) {
	blocks, err := s.engine.AnonymizedExport(ctx, limit)
	if err != nil {
		return protocol.ExportResponse{}, Internal("export ledger", err)
	}
	hashes := make([]string, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
	}
	root, err := protocol.ComputeMerkleRoot(hashes)
	if err != nil {
		return protocol.ExportResponse{}, Internal("summarize export", err)
	}
	out := protocol.ExportResponse{
		Blocks:      blocks,
		Count:       len(blocks),
		MerkleRoot:  root,
		GeneratedAt: s.clock.Now().UTC(),
	}
	if s.signer != nil {
		att, err := s.signer.Attest(out)
		if err != nil {
			return protocol.ExportResponse{}, Internal("attest export", err)
		}
		out.Attestation = &att
	}
	return out, nil
}

// Proof returns an inclusion proof for a document's block over the whole chain.
func (s *LedgerService) Proof(ctx context.Context, documentID string) (*protocol.MerkleProof, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, BadRequest("document id is required")
	}
	proof, found, err := s.engine.InclusionProof(ctx, documentID)
	if err != nil {
		return nil, Internal("build inclusion proof", err)
	}
	if !found {
		return nil, NotFound("Document not found in blockchain")
	}
	if s.signer != nil {
		att, err := s.signer.Attest(proof)
		if err != nil {
			return nil, Internal("attest inclusion proof", err)
		}
		proof.Attestation = &att
	}
	return proof, nil
}

func (s *LedgerService) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"service": s.service,
		"version": s.version,
		"status":  "ok",
		"time":    s.clock.Now().UTC(),
	}
	checks := map[string]string{}
	for name, p := range s.checks {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			out["status"] = "degraded"
			s.logger.Warn("health check failed", slog.String("check", name), slog.String("error", err.Error()))
			continue
		}
		checks[name] = "ok"
	}
	if s.queue != nil {
		depthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		depth, err := s.queue.Depth(depthCtx)
		cancel()
		if err != nil {
			checks["queue_depth"] = err.Error()
			out["status"] = "degraded"
		} else {
			out["queue"] = depth
		}
	}
	out["checks"] = checks
	if last, found, err := s.engine.Tail(ctx); err == nil && found {
		out["latest_hash"] = last.Hash
		out["latest_document_id"] = last.DocumentID
	}
	return out, nil
}
