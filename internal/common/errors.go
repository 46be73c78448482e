package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for retry decisions.
type Kind int

const (
	// KindUnknown errors are treated as structural: no retry.
	KindUnknown Kind = iota
	// KindTransient covers timeouts, transport errors and service 5xx. Retried with backoff.
	KindTransient
	// KindData is a per-field defect. It degrades the field, never the job.
	KindData
	// KindStructural is fatal immediately.
	KindStructural
	// KindInfrastructure is a transient failure that exhausted its retries.
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	case KindStructural:
		return "structural"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Kind    Kind
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")

	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrTimeout               = errors.New("timeout")
	ErrModel                 = errors.New("model error")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrMalformedDocument     = errors.New("malformed document")
	ErrSchemaConflict        = errors.New("schema conflict")
	ErrSchemaInvalid         = errors.New("schema invalid")
	ErrUnknownDocumentType   = errors.New("unknown document type")
	ErrConcurrentJobConflict = errors.New("concurrent job conflict")
	ErrCancelled             = errors.New("job cancelled")
)

// ServiceError is a non-2xx answer from an external collaborator.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %d: %s", e.Status, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *ServiceError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429 || e.Status == 408
}

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    KindOf(cause),
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// KindOf classifies err. An explicit Kind on an AppError wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var app *AppError
	if errors.As(err, &app) && app.Kind != KindUnknown {
		return app.Kind
	}
	var svc *ServiceError
	if errors.As(err, &svc) {
		if svc.Retryable() {
			return KindTransient
		}
		return KindStructural
	}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrModel),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrValidation):
		return KindData
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindStructural
}

// IsRetryable reports whether err should be retried by the caller.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Code returns a short stable code for err, used in worker_log and job rows.
func Code(err error) string {
	var app *AppError
	if errors.As(err, &app) && app.Code != "" {
		return app.Code
	}
	var svc *ServiceError
	if errors.As(err, &svc) {
		return "ServiceError"
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, ErrModel):
		return "ModelError"
	case errors.Is(err, ErrMalformedResponse):
		return "MalformedResponse"
	case errors.Is(err, ErrMalformedDocument):
		return "MalformedDocument"
	case errors.Is(err, ErrSchemaConflict):
		return "SchemaConflict"
	case errors.Is(err, ErrUnknownDocumentType):
		return "UnknownDocumentType"
	case errors.Is(err, ErrConcurrentJobConflict):
		return "ConcurrentJobConflict"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	}
	return "Internal"
}
