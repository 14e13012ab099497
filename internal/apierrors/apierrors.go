package apierrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
)

// Kind classifies every failure the runtime can surface to a client. Each
// kind maps to a stable HTTP status via HTTPStatus.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindDisabled        Kind = "DISABLED"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindValidation      Kind = "VALIDATION"
	KindValidationOut   Kind = "VALIDATION_OUT"
	KindConfiguration   Kind = "CONFIGURATION"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindTimeout         Kind = "TIMEOUT"
	KindUpstream        Kind = "UPSTREAM"
	KindWorkflow        Kind = "WORKFLOW"
	KindEntity          Kind = "ENTITY"
	KindUserCode        Kind = "USER_CODE"
	KindInternal        Kind = "INTERNAL"
)

// Sub-kinds carried by UPSTREAM errors.
const (
	SubKindNetwork   = "network"
	SubKindTimeout   = "timeout"
	SubKindHTTPError = "http_error"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound, KindDisabled:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream, KindWorkflow:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrEndpointNotFound    = errors.New("endpoint not found")
	ErrRecordNotFound      = errors.New("record not found")
	ErrDuplicatePathMethod = errors.New("an enabled endpoint with this path and method already exists")
	ErrResourceIsNil       = errors.New("resource is nil")
)

// Error is the structured failure placed inside an execution envelope.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	SubKind string `json:"subKind,omitempty"`
	// UpstreamStatus carries the status of a failed outbound call for
	// http_error sub-kinds.
	UpstreamStatus int `json:"upstreamStatus,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: kind.HTTPStatus(), Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func NewUpstream(subKind string, status int, message string) *Error {
	e := New(KindUpstream, message)
	e.SubKind = subKind
	e.UpstreamStatus = status
	return e
}

// FromError classifies an arbitrary error into an envelope error. Already
// classified errors pass through unchanged; context deadline expiry becomes
// TIMEOUT; everything else is INTERNAL with the message preserved.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, "invocation deadline exceeded")
	}
	return New(KindInternal, err.Error())
}

// FromStoreError translates persistence-layer errors into the sentinels the
// service layer switches on.
func FromStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrRecordNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicatePathMethod
	default:
		return err
	}
}
