package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNotInitialized   = errors.New("database not initialized")
	ErrSchemaViolation  = errors.New("schema violation")
	ErrNotFound         = errors.New("not found")
	ErrEncoding         = errors.New("encoding error")
	ErrLedgerSubmission = errors.New("ledger submission failed")
	ErrApplyConflict    = errors.New("apply conflict")
	ErrVersionConflict  = errors.New("version conflict")
	ErrInvalidFilter    = errors.New("invalid filter")
	ErrClosed           = errors.New("database closed")
)

// SchemaViolationError is returned when a table or field is unknown, or when
// field values do not match the registered column descriptors.
type SchemaViolationError struct {
	Table  string
	Errors []string
}

func (e *SchemaViolationError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema violation: %s", strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("schema violation on %s: %s", e.Table, strings.Join(e.Errors, "; "))
}

func (e *SchemaViolationError) Is(target error) bool { return target == ErrSchemaViolation }

func NewSchemaViolation(table string, msgs ...string) *SchemaViolationError {
	return &SchemaViolationError{Table: table, Errors: msgs}
}

// EncodingError reports a value that has no deterministic serialization.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "encoding error: " + e.Reason
	}
	return fmt.Sprintf("encoding error at %s: %s", e.Path, e.Reason)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// LedgerSubmissionError wraps a failed submit. Permanent errors are never
// retried; transient errors are retried by the ledger client until its budget
// runs out.
type LedgerSubmissionError struct {
	Permanent bool
	Err       error
}

func (e *LedgerSubmissionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("ledger submission failed (%s): %v", kind, e.Err)
}

func (e *LedgerSubmissionError) Unwrap() error { return e.Err }

func (e *LedgerSubmissionError) Is(target error) bool { return target == ErrLedgerSubmission }

func PermanentLedgerError(err error) error {
	return &LedgerSubmissionError{Permanent: true, Err: err}
}

func TransientLedgerError(err error) error {
	return &LedgerSubmissionError{Permanent: false, Err: err}
}

// IsPermanentLedgerError reports whether err carries a permanent ledger rejection.
func IsPermanentLedgerError(err error) bool {
	var lerr *LedgerSubmissionError
	return errors.As(err, &lerr) && lerr.Permanent
}

// ApplyConflictError is raised by the sync engine when a channel message
// cannot be applied to the local store.
type ApplyConflictError struct {
	Sequence uint64
	Reason   string
	Err      error
}

func (e *ApplyConflictError) Error() string {
	msg := fmt.Sprintf("apply conflict at sequence %d: %s", e.Sequence, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ApplyConflictError) Unwrap() error { return e.Err }

func (e *ApplyConflictError) Is(target error) bool { return target == ErrApplyConflict }
