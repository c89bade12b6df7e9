package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/darioguarascio/docuchain/internal/logging"
	"github.com/darioguarascio/docuchain/internal/protocol"
	"github.com/darioguarascio/docuchain/internal/service"
)

const (
	HeaderPreview    = "X-DocuChain-Preview"
	HeaderSigners    = "X-DocuChain-Signers"
	HeaderDocumentID = "X-DocuChain-Document-Id"
)

type Handler struct {
	documents        *service.DocumentService
	ledger           *service.LedgerService
	logger           *slog.Logger
	writeToken       string
	maxArtifactBytes int64
	maxJSONBytes     int64
}

type HandlerParams struct {
	Documents *service.DocumentService
	Ledger    *service.LedgerService
	Logger    *slog.Logger
	// WriteToken guards the endpoints that append or enqueue; empty disables the check.
	WriteToken       string
	MaxArtifactBytes int64
	MaxJSONBytes     int64
}

func NewHandler(p HandlerParams) *Handler {
	if p.MaxArtifactBytes <= 0 {
		p.MaxArtifactBytes = 25 << 20
	}
	if p.MaxJSONBytes <= 0 {
		p.MaxJSONBytes = 2 << 20
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Handler{
		documents:        p.Documents,
		ledger:           p.Ledger,
		logger:           p.Logger,
		writeToken:       strings.TrimSpace(p.WriteToken),
		maxArtifactBytes: p.MaxArtifactBytes,
		maxJSONBytes:     p.MaxJSONBytes,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("POST /v1/previews", h.requireWriteToken(h.handlePreview))
	mux.Handle("POST /v1/documents/sign", h.requireWriteToken(h.handleSign))
	mux.Handle("POST /v1/documents", h.requireWriteToken(h.handleSubmit))
	mux.HandleFunc("GET /v1/documents/{id}/status", h.handleStatus)
	mux.HandleFunc("GET /v1/documents/{id}/verify", h.handleVerifyDocument)
	mux.HandleFunc("GET /v1/documents/{id}/proof", h.handleProof)
	mux.HandleFunc("POST /v1/verify", h.handleVerifyUpload)
	mux.HandleFunc("GET /v1/ledger/verify", h.handleVerifyChain)
	mux.HandleFunc("GET /v1/ledger/history", h.handleHistory)
	mux.HandleFunc("GET /v1/ledger/export", h.handleExport)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.ledger.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req service.PreviewRequest
	if err := decodeJSON(w, r, h.maxJSONBytes, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.documents.Preview(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "preview")
	logging.AddField(r.Context(), "document_id", res.DocumentID)
	logging.AddField(r.Context(), "content_hash", res.Attached.Envelope.ContentHash)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderPreview, res.Attached.Encoded)
	w.Header().Set(HeaderDocumentID, res.DocumentID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Attached.Buffer)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, h.maxArtifactBytes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var signers []any
	if raw := strings.TrimSpace(r.Header.Get(HeaderSigners)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &signers); err != nil {
			h.writeError(w, r, service.BadRequest(HeaderSigners+" must be a JSON list"))
			return
		}
	}
	res, err := h.documents.Sign(r.Context(), service.SignRequest{
		Artifact:       body,
		HeaderEnvelope: r.Header.Get(HeaderPreview),
		Signers:        signers,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "sign")
	logging.AddField(r.Context(), "document_id", res.Block.DocumentID)
	logging.AddField(r.Context(), "block_hash", res.Block.Hash)
	writeJSON(w, http.StatusCreated, res.Block)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := decodeJSON(w, r, h.maxJSONBytes, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.documents.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "submit")
	logging.AddField(r.Context(), "document_id", st.DocumentID)
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": st.DocumentID, "status": st.Status})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.documents.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "status")
	logging.AddField(r.Context(), "document_id", st.DocumentID)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleVerifyDocument(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.VerifyDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "verify_document")
	logging.AddField(r.Context(), "valid", report.Valid)
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleProof(w http.ResponseWriter, r *http.Request) {
	proof, err := h.ledger.Proof(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "inclusion_proof")
	logging.AddField(r.Context(), "document_id", r.PathValue("id"))
	writeJSON(w, http.StatusOK, proof)
}

func (h *Handler) handleVerifyUpload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, h.maxArtifactBytes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.ledger.VerifyUpload(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "verify_upload")
	logging.AddField(r.Context(), "content_hash", report.ContentHash)
	logging.AddField(r.Context(), "valid", report.Valid)
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.VerifyAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "verify_chain")
	logging.AddField(r.Context(), "block_count", report.BlockCount)
	logging.AddField(r.Context(), "valid", report.Valid)
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	blocks, err := h.ledger.History(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "history")
	logging.AddField(r.Context(), "count", len(blocks))
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks, "count": len(blocks)})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.ledger.Export(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "export")
	logging.AddField(r.Context(), "count", out.Count)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		if appErr.HTTPStatus >= 500 && appErr.Cause != nil {
			logging.AddField(r.Context(), "error_cause", appErr.Cause.Error())
		}
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", service.CodeInternal)
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeInternal,
		Message:   "internal server error",
		Retryable: true,
	}})
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, service.BadRequest("limit must be an integer")
	}
	return n, nil
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, service.BadRequest("could not read request body")
	}
	if int64(len(body)) > maxBytes {
		return nil, payloadTooLarge("artifact", maxBytes)
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(out)
	if err == nil {
		if extra := dec.Decode(&struct{}{}); !errors.Is(extra, io.EOF) {
			err = extra
			if err == nil {
				err = errors.New("request body must contain a single JSON object")
			}
		}
	}
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return payloadTooLarge("request body", maxBytes)
	}
	return service.NewAppError(http.StatusBadRequest, service.CodeBadRequest, err.Error(), false, err)
}

func payloadTooLarge(what string, maxBytes int64) *service.AppError {
	return service.NewAppError(http.StatusRequestEntityTooLarge, service.CodePayloadTooLarge, fmt.Sprintf("%s exceeds %d bytes", what, maxBytes), false, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
