package redfish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrAuthFailure indicates a 401: credentials or token rejected.
	ErrAuthFailure = errors.New("authentication failure")
	// ErrSessionInvalidated indicates a previously accepted token is now rejected,
	// typically after the controller itself was reset.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrNotSupported indicates a required resource or action is absent (404).
	ErrNotSupported = errors.New("not supported")
	// ErrInvalidRequest indicates a 400 whose message is not an end-of-collection marker.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTransientNetwork indicates connectivity loss (DNS, TCP reset, TLS abort, timeout).
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrTransientServer indicates a 5xx response.
	ErrTransientServer = errors.New("transient server failure")
	// ErrHTTPStatus indicates any other unexpected HTTP status.
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrJobFailed indicates a job reached Failed or CompletedWithErrors.
	ErrJobFailed = errors.New("job failed")
	// ErrTimeout indicates a wait-loop ceiling was reached.
	ErrTimeout = errors.New("timed out")
	// ErrCancelled indicates the caller cancelled the operation.
	ErrCancelled = errors.New("cancelled")
	// ErrProtocolViolation indicates a success response missing a required element.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Error is a classified failure. Kind is one of the sentinel errors above.
type Error struct {
	Kind   error
	Op     string
	Status int
	// Message is the last endpoint-provided message, verbatim.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("redfish error")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Err.Error(), e.Message)) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewError builds a classified error.
func NewError(kind error, op string, status int, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Status:  status,
		Message: strings.TrimSpace(message),
		Err:     cause,
	}
}

// KindOf returns the kind of a classified error, or nil.
func KindOf(err error) error {
	var rfErr *Error
	if errors.As(err, &rfErr) {
		return rfErr.Kind
	}
	for _, kind := range []error{
		ErrCancelled, ErrTimeout, ErrSessionInvalidated, ErrAuthFailure, ErrNotSupported,
		ErrInvalidRequest, ErrTransientNetwork, ErrTransientServer, ErrJobFailed,
		ErrProtocolViolation, ErrHTTPStatus,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// MessageOf returns the endpoint message carried by a classified error.
func MessageOf(err error) string {
	var rfErr *Error
	if errors.As(err, &rfErr) {
		return rfErr.Message
	}
	return ""
}

// StatusOf returns the HTTP status carried by a classified error, or 0.
func StatusOf(err error) int {
	var rfErr *Error
	if errors.As(err, &rfErr) {
		return rfErr.Status
	}
	return 0
}

// IsTransient reports whether the error should be retried under a retry budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrTransientServer) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func classifyStatus(status int) error {
	switch {
	case status == 401:
		return ErrAuthFailure
	case status == 400:
		return ErrInvalidRequest
	case status == 404:
		return ErrNotSupported
	case status >= 500:
		return ErrTransientServer
	default:
		return ErrHTTPStatus
	}
}
