package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/darioguarascio/docuchain/internal/envelope"
	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/queue"
	"github.com/darioguarascio/docuchain/internal/worker"
)

// MetadataDocumentID is the envelope metadata key that carries the id a preview will be committed under.
const MetadataDocumentID = "document_id"

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type DocumentService struct {
	engine    *ledger.Engine
	statuses  ledger.StatusStore
	queue     Enqueuer
	generator worker.Generator
	verifier  envelope.Verifier
	clock     ledger.Clock
	logger    *slog.Logger
	newID     func() string
}

type DocumentParams struct {
	Engine   *ledger.Engine
	Statuses ledger.StatusStore
	// Queue and Generator are optional; the endpoints that need them report 503 without.
	Queue     Enqueuer
	Generator worker.Generator
	Verifier  envelope.Verifier
	Clock     ledger.Clock
	Logger    *slog.Logger
	NewID     func() string
}

func NewDocumentService(p DocumentParams) (*DocumentService, error) {
	if p.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if p.Statuses == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if p.Clock == nil {
		p.Clock = ledger.SystemClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.NewID == nil {
		p.NewID = uuid.NewString
	}
	return &DocumentService{
		engine:    p.Engine,
		statuses:  p.Statuses,
		queue:     p.Queue,
		generator: p.Generator,
		verifier:  p.Verifier,
		clock:     p.Clock,
		logger:    p.Logger,
		newID:     p.NewID,
	}, nil
}

type PreviewRequest struct {
	DocumentID   string         `json:"document_id,omitempty"`
	Template     string         `json:"template"`
	Placeholders map[string]any `json:"placeholders,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type PreviewResult struct {
	DocumentID string
	Attached   envelope.Attached
}

// Preview renders the document without committing it and attaches the envelope
// that Sign will later check the artifact against.
func (s *DocumentService) Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	if strings.TrimSpace(req.Template) == "" {
		return PreviewResult{}, BadRequest("template is required")
	}
	if s.generator == nil {
		return PreviewResult{}, NewAppError(http.StatusServiceUnavailable, CodeGeneratorDisabled, "document generator is not configured", false, nil)
	}
	documentID := strings.TrimSpace(req.DocumentID)
	if documentID == "" {
		documentID = s.newID()
	}
	artifact, err := s.generator.Generate(ctx, worker.GenerateRequest{
		DocumentID:   documentID,
		Template:     req.Template,
		Placeholders: req.Placeholders,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return PreviewResult{}, NewAppError(http.StatusBadGateway, CodeGeneratorFailed, "document generation failed", true, err)
	}

	metadata := maps.Clone(req.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[MetadataDocumentID] = documentID
	metadata["template"] = req.Template
	if req.Placeholders != nil {
		metadata["placeholders"] = req.Placeholders
	}
	attached, err := envelope.Attach(artifact.Bytes, metadata, s.verifier.Secret, s.clock.Now())
	if err != nil {
		return PreviewResult{}, BadRequest(err.Error())
	}
	s.logger.Info("preview generated",
		slog.String("document_id", documentID),
		slog.String("content_hash", attached.Envelope.ContentHash),
		slog.Bool("signed_envelope", attached.Envelope.HMAC != ""),
	)
	return PreviewResult{DocumentID: documentID, Attached: attached}, nil
}

type SignRequest struct {
	Artifact []byte
	// HeaderEnvelope is the out-of-band envelope; it wins over an embedded marker.
	HeaderEnvelope string
	Signers        []any
}

type SignResult struct {
	Block protocol.Block
	// Artifact is the committed form: the upload with any preview marker removed.
	Artifact []byte
}

// Sign commits a previewed artifact. A block is appended only when the envelope
// verifies against the uploaded bytes.
func (s *DocumentService) Sign(ctx context.Context, req SignRequest) (SignResult, error) {
	if len(req.Artifact) == 0 {
		return SignResult{}, BadRequest("artifact body is required")
	}
	outOfBand, err := envelope.DecodeHeader(req.HeaderEnvelope)
	if err != nil {
		return SignResult{}, NewAppError(http.StatusBadRequest, CodeEnvelopeMalformed, "preview header could not be decoded", false, err)
	}
	decision := s.verifier.Verify(req.Artifact, outOfBand)
	if !decision.Accepted {
		s.logger.Warn("sign rejected", slog.String("reason", string(decision.Reason)), slog.String("message", decision.Message))
		return SignResult{}, rejectionError(decision)
	}

	documentID, _ := decision.Envelope.Metadata[MetadataDocumentID].(string)
	if strings.TrimSpace(documentID) == "" {
		documentID = s.newID()
	}
	signers := req.Signers
	if signers == nil {
		signers = []any{}
	}
	signatureData, err := json.Marshal(signers)
	if err != nil {
		return SignResult{}, BadRequest("signers must be a JSON list")
	}

	block, err := s.engine.Append(ctx, ledger.AppendInput{
		DocumentID:    documentID,
		ContentHash:   protocol.SHA256Hex(decision.Unsigned),
		SignatureData: string(signatureData),
		Metadata:      decision.Envelope.Metadata,
	})
	if err != nil {
		return SignResult{}, ledgerError("append signed document", err)
	}
	if err := s.statuses.SetStatus(ctx, ledger.DocumentStatus{DocumentID: documentID, Status: ledger.StatusCompleted, UpdatedAt: s.clock.Now()}); err != nil {
		s.logger.Warn("status update failed", slog.String("document_id", documentID), slog.String("error", err.Error()))
	}
	return SignResult{Block: block, Artifact: decision.Unsigned}, nil
}

type SubmitRequest struct {
	DocumentID   string         `json:"document_id,omitempty"`
	Template     string         `json:"template"`
	Placeholders map[string]any `json:"placeholders,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Signers      []any          `json:"signers,omitempty"`
}

// Submit queues a document for generation by the worker.
func (s *DocumentService) Submit(ctx context.Context, req SubmitRequest) (ledger.DocumentStatus, error) {
	if s.queue == nil {
		return ledger.DocumentStatus{}, NewAppError(http.StatusServiceUnavailable, CodeQueueDisabled, "generation queue is not configured", false, nil)
	}
	if strings.TrimSpace(req.Template) == "" {
		return ledger.DocumentStatus{}, BadRequest("template is required")
	}
	documentID := strings.TrimSpace(req.DocumentID)
	if documentID == "" {
		documentID = s.newID()
	}
	status := ledger.DocumentStatus{DocumentID: documentID, Status: ledger.StatusQueued, UpdatedAt: s.clock.Now()}
	if err := s.statuses.SetStatus(ctx, status); err != nil {
		return ledger.DocumentStatus{}, Internal("record queued status", err)
	}
	err := s.queue.Enqueue(ctx, queue.Job{
		DocumentID:   documentID,
		Template:     req.Template,
		Placeholders: req.Placeholders,
		Metadata:     req.Metadata,
		Signers:      req.Signers,
	})
	if err != nil {
		failed := status
		failed.Status = ledger.StatusFailed
		failed.ErrorMessage = "enqueue failed"
		_ = s.statuses.SetStatus(ctx, failed)
		return ledger.DocumentStatus{}, NewAppError(http.StatusServiceUnavailable, CodeQueueUnavailable, "could not enqueue document", true, err)
	}
	s.logger.Info("document queued", slog.String("document_id", documentID))
	return status, nil
}

func (s *DocumentService) Status(ctx context.Context, documentID string) (ledger.DocumentStatus, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ledger.DocumentStatus{}, BadRequest("document id is required")
	}
	st, found, err := s.statuses.GetStatus(ctx, documentID)
	if err != nil {
		return ledger.DocumentStatus{}, Internal("get document status", err)
	}
	if !found {
		return ledger.DocumentStatus{}, NotFound("document not found")
	}
	return st, nil
}
