package ledger

import "errors"

var (
	// ErrConflict reports a duplicate document_id or hash. Appends that fail with it must not be retried.
	ErrConflict     = errors.New("ledger: block already exists")
	ErrInvalidInput = errors.New("ledger: invalid append input")
)
