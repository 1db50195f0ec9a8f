// Package errors provides the error taxonomy used across deprisk.
//
// Every error that crosses a package boundary is an *Error carrying a Kind.
// Callers branch on the Kind, never on message text: only KindConfiguration
// is fatal, everything else is isolated to the smallest unit of work.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all deprisk errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "sources.osv.Fetch")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error

	// Transient marks a source failure that is worth retrying (network, 5xx).
	Transient bool
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindSourceUnavailable
	KindMalformedResponse
	KindRateLimited
	KindTimeout
	KindConfiguration
	KindScoringDataMissing
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindMalformedResponse:
		return "malformed_response"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	case KindScoringDataMissing:
		return "scoring_data_missing"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// HTTP Status Error
// =============================================================================

// HTTPError is returned by advisory sources for non-2xx responses.
type HTTPError struct {
	// Source is the advisory source tag that answered
	Source string `json:"source"`

	// StatusCode is the HTTP status code
	StatusCode int `json:"status_code"`

	// Body is a truncated copy of the response body
	Body string `json:"body,omitempty"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned %d %s: %s", e.Source, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s returned %d %s", e.Source, e.StatusCode, http.StatusText(e.StatusCode))
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// Transient constructs a retryable KindSourceUnavailable error.
func Transient(op, message string, err error) error {
	return &Error{Kind: KindSourceUnavailable, Op: op, Message: message, Err: err, Transient: true}
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: GetKind(err), Err: err}
}

// WrapWithMessage wraps an error with a message.
func WrapWithMessage(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Message: message, Kind: GetKind(err), Err: err}
}

// FromStatus converts a non-2xx HTTP status into a typed error.
//
//	429            -> KindRateLimited (retryable)
//	5xx except 501 -> KindSourceUnavailable (retryable)
//	404            -> KindNotFound
//	other 4xx      -> KindSourceUnavailable (not retryable)
func FromStatus(op, source string, status int, body string) error {
	httpErr := &HTTPError{Source: source, StatusCode: status, Body: body}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: op, Message: "rate limited", Err: httpErr}
	case status >= 500 && status != http.StatusNotImplemented:
		return &Error{Kind: KindSourceUnavailable, Op: op, Message: "server error", Err: httpErr, Transient: true}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Message: "not found", Err: httpErr}
	default:
		return &Error{Kind: KindSourceUnavailable, Op: op, Message: "request rejected", Err: httpErr}
	}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsHTTPError checks if err wraps an HTTPError and returns it.
func IsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// IsRateLimited checks if the error is a rate limit error.
func IsRateLimited(err error) bool {
	if GetKind(err) == KindRateLimited {
		return true
	}
	if httpErr, ok := IsHTTPError(err); ok {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsConfiguration checks if the error is a configuration error.
func IsConfiguration(err error) bool {
	return GetKind(err) == KindConfiguration
}

// IsFatal reports whether err must stop the process. Only configuration
// errors are fatal.
func IsFatal(err error) bool {
	return IsConfiguration(err)
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) || IsTimeout(err) {
		return true
	}
	var e *Error
	for cur := err; errors.As(cur, &e); cur = e.Err {
		if e.Transient {
			return true
		}
		if e.Err == nil {
			break
		}
	}
	if httpErr, ok := IsHTTPError(err); ok {
		return httpErr.StatusCode >= 500 && httpErr.StatusCode != http.StatusNotImplemented
	}
	return false
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrTimeout is returned when an operation times out.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "operation timed out"}

	// ErrRateLimited is returned when rate limited.
	ErrRateLimited = &Error{Kind: KindRateLimited, Message: "rate limited"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindConfiguration, Message: "invalid configuration"}

	// ErrMalformedResponse is returned when a payload cannot be decoded at all.
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse, Message: "malformed response"}

	// ErrScoringDataMissing marks an unset optional field that was defaulted.
	ErrScoringDataMissing = &Error{Kind: KindScoringDataMissing, Message: "scoring data missing"}
)
