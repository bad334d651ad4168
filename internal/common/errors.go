package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned at the API boundary. Each code maps to a stable
// HTTP status; the user-visible payload carries only code and message.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeValidation        = "VALIDATION"
	CodeIdentity          = "IDENTITY_MISMATCH"
	CodeAuthorization     = "AUTHORIZATION"
	CodeConflict          = "CONFLICT"
	CodeContention        = "CONTENTION"
	CodeFundsInsufficient = "FUNDS_INSUFFICIENT"
	CodeEngineInvalid     = "ENGINE_INVALID"
	CodeInternal          = "INTERNAL"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Code    string
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two typed errors by code, so sentinel comparisons like
// errors.Is(err, common.ErrNotFound("")) work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound marks a missing table, snapshot, account, or record.
func ErrNotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, http.StatusNotFound, format, args...)
}

// ErrValidation marks a structurally invalid request.
func ErrValidation(format string, args ...any) *Error {
	return newError(CodeValidation, http.StatusBadRequest, format, args...)
}

// ErrIdentity marks an action whose playerId does not match the caller.
func ErrIdentity(format string, args ...any) *Error {
	return newError(CodeIdentity, http.StatusForbidden, format, args...)
}

// ErrAuthorization marks a caller not entitled to the operation.
func ErrAuthorization(format string, args ...any) *Error {
	return newError(CodeAuthorization, http.StatusForbidden, format, args...)
}

// ErrConflict marks a version/CAS/idempotency collision.
func ErrConflict(format string, args ...any) *Error {
	return newError(CodeConflict, http.StatusConflict, format, args...)
}

// ErrContention marks lock acquisition exhausting its retry budget.
// Retryable by the caller.
func ErrContention(format string, args ...any) *Error {
	return newError(CodeContention, http.StatusServiceUnavailable, format, args...)
}

// ErrFundsInsufficient marks a guarded debit exceeding the balance.
func ErrFundsInsufficient(format string, args ...any) *Error {
	return newError(CodeFundsInsufficient, http.StatusBadRequest, format, args...)
}

// ErrEngineInvalid forwards a rules-engine rejection with its stable code
// preserved in the message.
func ErrEngineInvalid(engineCode, format string, args ...any) *Error {
	e := newError(CodeEngineInvalid, http.StatusBadRequest, format, args...)
	e.Message = engineCode + ": " + e.Message
	return e
}

// ErrInternal marks a bug or an unrecoverable dependency failure.
func ErrInternal(format string, args ...any) *Error {
	return newError(CodeInternal, http.StatusInternalServerError, format, args...)
}

// Wrap attaches a cause while keeping the typed code.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// CodeOf extracts the error code, defaulting to INTERNAL.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// StatusOf extracts the HTTP status, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
