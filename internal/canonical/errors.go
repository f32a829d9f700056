package canonical

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the canonical error category surfaced to callers.
type Kind string

const (
	KindRateLimited       Kind = "RateLimited"
	KindTimeout           Kind = "Timeout"
	KindProviderError     Kind = "ProviderError"
	KindNoHealthyEndpoint Kind = "NoHealthyEndpoint"
	KindCircuitOpen       Kind = "CircuitOpen"
	KindInvalidWeight     Kind = "InvalidWeight"
	KindNotFound          Kind = "NotFound"
	KindInternal          Kind = "Internal"

	// Codes raised by the gateway's own request validation.
	KindValidation   Kind = "ValidationError"
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
)

type kindInfo struct {
	status    int
	retryable bool
}

var kinds = map[Kind]kindInfo{
	KindRateLimited:       {http.StatusTooManyRequests, true},
	KindTimeout:           {http.StatusRequestTimeout, true},
	KindProviderError:     {http.StatusBadGateway, true},
	KindNoHealthyEndpoint: {http.StatusServiceUnavailable, false},
	KindCircuitOpen:       {http.StatusServiceUnavailable, false},
	KindInvalidWeight:     {http.StatusBadRequest, false},
	KindNotFound:          {http.StatusNotFound, false},
	KindInternal:          {http.StatusInternalServerError, false},
	KindValidation:        {http.StatusBadRequest, false},
	KindUnauthorized:      {http.StatusUnauthorized, false},
	KindForbidden:         {http.StatusForbidden, false},
}

// StatusFor returns the HTTP status associated with kind.
func StatusFor(kind Kind) int {
	if info, ok := kinds[kind]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// RetryableKind reports whether errors of kind may be retried on another endpoint.
func RetryableKind(kind Kind) bool {
	return kinds[kind].retryable
}

// Error is the normalized error returned across the dispatch boundary.
// Values are treated as immutable; the With* methods return copies.
type Error struct {
	Kind           Kind           `json:"code"`
	HTTPStatus     int            `json:"httpStatus"`
	Message        string         `json:"message"`
	Retryable      bool           `json:"retryable"`
	ProviderDetail map[string]any `json:"providerDetail,omitempty"`
	CorrelationID  string         `json:"correlationId"`
	EndpointID     string         `json:"endpointId,omitempty"`

	cause error
}

// New creates an error with the default status and retryability of kind.
func New(kind Kind, message string) *Error {
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindInternal]
	}
	return &Error{
		Kind:       kind,
		HTTPStatus: info.status,
		Message:    message,
		Retryable:  info.retryable,
	}
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of kind that keeps cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.EndpointID != "" {
		return fmt.Sprintf("%s: %s (endpoint %s)", e.Kind, e.Message, e.EndpointID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind, so sentinels like ErrNotFound work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithEndpoint returns a copy carrying the endpoint that produced the error.
func (e *Error) WithEndpoint(endpointID string) *Error {
	c := *e
	c.EndpointID = endpointID
	return &c
}

// WithCorrelationID returns a copy carrying id.
func (e *Error) WithCorrelationID(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// Sentinels for errors.Is.
var (
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrProviderError     = &Error{Kind: KindProviderError}
	ErrNoHealthyEndpoint = &Error{Kind: KindNoHealthyEndpoint}
	ErrCircuitOpen       = &Error{Kind: KindCircuitOpen}
	ErrInvalidWeight     = &Error{Kind: KindInvalidWeight}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInternal          = &Error{Kind: KindInternal}
)

// KindOf returns the kind of err, or KindInternal if err is not canonical.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a canonical error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// APIError is raised by the gateway's own validation layer. Its code and
// status pass through normalization unchanged.
type APIError struct {
	Code    Kind
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates an APIError with the default status of code.
func NewAPIError(code Kind, message string) *APIError {
	return &APIError{Code: code, Status: StatusFor(code), Message: message}
}
