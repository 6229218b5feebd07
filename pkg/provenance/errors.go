package provenance

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the boundary consumed by presentation
// code. Every error surfaced by the core carries a stable kind so the
// caller can choose wording and retry policy without string matching.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindNetwork       Kind = "network"
	KindConflict      Kind = "conflict"
	KindPartial       Kind = "partial"
)

// Stable machine-readable error codes.
const (
	CodeInvalidBatch       = "INVALID_BATCH"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotOwner           = "NOT_OWNER"
	CodeIneligibleTransfer = "INELIGIBLE_TRANSFER"
	CodeAlreadyInitialized = "ALREADY_INITIALIZED"
	CodeNotInitialized     = "NOT_INITIALIZED"
	CodeTerminalState      = "TERMINAL_STATE"
	CodeLedgerUnavailable  = "LEDGER_UNAVAILABLE"
	CodeAllGatewaysFailed  = "ALL_GATEWAYS_FAILED"
	CodeStaleRecord        = "STALE_RECORD"
	CodePartialMetadata    = "PARTIAL_METADATA"
)

// Error is a structured domain error with a stable kind and code.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf constructs a structured error with a formatted message.
func Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a structured error around a cause.
func Wrap(kind Kind, code string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// ErrKind returns the Kind of err, or "" if err carries no structured
// kind anywhere in its chain.
func ErrKind(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ErrCode returns the stable code of err, or "" if none.
func ErrCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return ErrCode(err) == code
}
