package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/darioguarascio/docuchain/internal/envelope"
	"github.com/darioguarascio/docuchain/internal/ledger"
)

const (
	CodeBadRequest              = "BAD_REQUEST"
	CodeEnvelopeMissing         = "ENVELOPE_MISSING"
	CodeEnvelopeMalformed       = "ENVELOPE_MALFORMED"
	CodeEnvelopeAuthFailed      = "ENVELOPE_AUTH_FAILED"
	CodeEnvelopeContentMismatch = "ENVELOPE_CONTENT_MISMATCH"
	CodeLedgerConflict          = "LEDGER_CONFLICT"
	CodeDocumentNotFound        = "DOCUMENT_NOT_FOUND"
	CodeQueueDisabled           = "QUEUE_DISABLED"
	CodeQueueUnavailable        = "QUEUE_UNAVAILABLE"
	CodeGeneratorDisabled       = "GENERATOR_DISABLED"
	CodeGeneratorFailed         = "GENERATOR_FAILED"
	CodePayloadTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeInternal                = "INTERNAL_ERROR"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, msg, true, cause)
}

func BadRequest(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeBadRequest, msg, false, nil)
}

func NotFound(msg string) *AppError {
	return NewAppError(http.StatusNotFound, CodeDocumentNotFound, msg, false, nil)
}

// ledgerError maps engine errors; validation outcomes never reach here.
func ledgerError(op string, err error) *AppError {
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return NewAppError(http.StatusConflict, CodeLedgerConflict, "document is already recorded in the ledger", false, err)
	case errors.Is(err, ledger.ErrInvalidInput):
		return NewAppError(http.StatusBadRequest, CodeBadRequest, err.Error(), false, err)
	default:
		return Internal(op, err)
	}
}

// rejectionError maps a refused sign-time decision.
func rejectionError(d envelope.Decision) *AppError {
	switch {
	case d.Reason == envelope.ReasonEnvelopeMissing:
		return NewAppError(http.StatusBadRequest, CodeEnvelopeMissing, d.Message, false, nil)
	case d.Reason.AuthenticationFailure():
		return NewAppError(http.StatusUnauthorized, CodeEnvelopeAuthFailed, d.Message, false, nil)
	case d.Reason.ContentMismatch():
		return NewAppError(http.StatusUnprocessableEntity, CodeEnvelopeContentMismatch, d.Message, false, nil)
	default:
		return Internal("unexpected envelope decision "+string(d.Reason), nil)
	}
}
