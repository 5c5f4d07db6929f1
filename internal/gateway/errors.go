package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/policy"
	"github.com/ent0n29/parley/internal/reliability"
)

var ErrProcessingTimeout = errors.New("file processing timed out")

// Error is the structured failure returned by every gateway call.
type Error struct {
	Op     string
	Kind   reliability.FailureKind
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request may succeed later.
func (e *Error) Retryable() bool {
	return reliability.IsRetryableKind(e.Kind)
}

func transportError(op string, err error) error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	return &Error{Op: op, Kind: reliability.ClassifyError(err), Err: err}
}

// IsAbort reports whether err is the result of the caller cancelling.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == reliability.KindAborted
}

// FormatError renders err as the single human-readable string shown in chat.
// Secrets echoed back by upstream are masked.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return policy.RedactSecrets("Error: " + err.Error())
	}

	var prefix string
	switch gwErr.Kind {
	case reliability.KindQuota:
		prefix = "API quota exhausted"
	case reliability.KindRateLimited:
		prefix = "Rate limited by the API, try again shortly"
	case reliability.KindInvalidRequest:
		prefix = "Request rejected by the API"
	case reliability.KindServer:
		prefix = "API server error"
	case reliability.KindTimeout:
		prefix = "Request timed out"
	case reliability.KindAborted:
		prefix = "Request cancelled"
	default:
		prefix = "Request failed"
	}
	if gwErr.Status > 0 {
		prefix = fmt.Sprintf("%s (HTTP %d)", prefix, gwErr.Status)
	}

	detail := strings.TrimSpace(gwErr.Detail)
	if detail == "" && gwErr.Err != nil {
		detail = gwErr.Err.Error()
	}
	if detail == "" {
		return "Error: " + prefix
	}
	return policy.RedactSecrets("Error: " + prefix + ": " + detail)
}
