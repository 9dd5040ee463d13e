// Package apperr defines the closed set of failure kinds shared by the
// settlement engine and the transport boundary.
package apperr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lib/pq"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindPermission
	KindState
	KindCalculation
	KindProcessing
	KindConcurrency
	KindDataIntegrity
	KindTimeout
	KindDataAccess
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindState:
		return "state"
	case KindCalculation:
		return "calculation"
	case KindProcessing:
		return "processing"
	case KindConcurrency:
		return "concurrency"
	case KindDataIntegrity:
		return "data_integrity"
	case KindTimeout:
		return "timeout"
	case KindDataAccess:
		return "data_access"
	default:
		return "unknown"
	}
}

// Code is the stable machine-readable identifier exposed to clients.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "SETTLEMENT_VALIDATION_ERROR"
	case KindNotFound:
		return "SETTLEMENT_NOT_FOUND"
	case KindPermission:
		return "SETTLEMENT_PERMISSION_DENIED"
	case KindState:
		return "SETTLEMENT_INVALID_STATE"
	case KindCalculation:
		return "SETTLEMENT_CALCULATION_ERROR"
	case KindProcessing:
		return "SETTLEMENT_PROCESSING_ERROR"
	case KindConcurrency:
		return "SETTLEMENT_CONCURRENCY_ERROR"
	case KindDataIntegrity:
		return "SETTLEMENT_DATA_INTEGRITY_ERROR"
	case KindTimeout:
		return "SETTLEMENT_TIMEOUT"
	case KindDataAccess:
		return "SETTLEMENT_DATA_ACCESS_ERROR"
	default:
		return "SETTLEMENT_UNKNOWN_ERROR"
	}
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindConcurrency:
		return http.StatusConflict
	case KindDataIntegrity:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCalculation, KindProcessing, KindDataAccess:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ClientFault reports whether the failure was caused by the caller.
func (k Kind) ClientFault() bool {
	return k.HTTPStatus() < http.StatusInternalServerError
}

type Error struct {
	Kind       Kind
	Message    string
	Violations []string
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if len(e.Violations) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Code() string {
	return e.Kind.Code()
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindState}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func Validation(message string, violations ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Violations: violations}
}

func NotFound(resource, id string) *Error {
	return (&Error{Kind: KindNotFound, Message: resource + " not found"}).With("id", id)
}

func Permission(message string) *Error {
	return &Error{Kind: KindPermission, Message: message}
}

func State(message, current string) *Error {
	return (&Error{Kind: KindState, Message: message}).With("status", current)
}

func Calculation(message string, err error) *Error {
	return &Error{Kind: KindCalculation, Message: message, Err: err}
}

func Processing(message string, err error) *Error {
	return &Error{Kind: KindProcessing, Message: message, Err: err}
}

func Concurrency(message string, err error) *Error {
	return &Error{Kind: KindConcurrency, Message: message, Err: err}
}

func DataIntegrity(message string, err error) *Error {
	return &Error{Kind: KindDataIntegrity, Message: message, Err: err}
}

func Timeout(operation string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: operation + " exceeded its deadline", Err: err}
}

func DataAccess(message string, err error) *Error {
	return &Error{Kind: KindDataAccess, Message: message, Err: err}
}

func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// FromStorage converts a storage failure into the nearest typed error.
// Typed errors pass through untouched, as does sql.ErrNoRows so callers can
// translate it with the right resource name. Anything unrecognised becomes fallback.
func FromStorage(err error, fallback func(error) *Error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("storage operation", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001" || pqErr.Code == "40P01":
			return Concurrency("concurrent modification detected", err)
		case pqErr.Code == "57014":
			return Timeout("storage operation", err)
		case pqErr.Code.Class() == "23":
			return DataIntegrity(constraintMessage(pqErr), err)
		}
	}
	if fallback == nil {
		return DataAccess("storage operation failed", err)
	}
	return fallback(err)
}

func constraintMessage(pqErr *pq.Error) string {
	switch pqErr.Code {
	case "23503":
		return "foreign key constraint violated"
	case "23505":
		return "unique constraint violated"
	case "23514":
		return "check constraint violated"
	case "23502":
		return "not-null constraint violated"
	default:
		return "integrity constraint violated"
	}
}
