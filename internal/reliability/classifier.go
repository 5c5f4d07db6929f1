package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
)

// FailureKind is the coarse category of an upstream failure.
type FailureKind string

const (
	KindQuota          FailureKind = "quota"
	KindRateLimited    FailureKind = "rate_limited"
	KindInvalidRequest FailureKind = "invalid_request"
	KindServer         FailureKind = "server"
	KindTimeout        FailureKind = "timeout"
	KindAborted        FailureKind = "aborted"
	KindUnknown        FailureKind = "unknown"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps a non-2xx upstream response to a failure kind.
// The body is consulted to tell quota exhaustion apart from plain rate limiting.
func ClassifyHTTPStatus(code int, body string) FailureKind {
	upper := strings.ToUpper(body)
	switch {
	case code == 429 && (strings.Contains(upper, "QUOTA") || strings.Contains(upper, "RESOURCE_EXHAUSTED")):
		return KindQuota
	case code == 429:
		return KindRateLimited
	case code == 408 || code == 504:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

// ClassifyError maps a transport-level error to a failure kind.
func ClassifyError(err error) FailureKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryableKind reports whether a later identical request may succeed.
func IsRetryableKind(kind FailureKind) bool {
	switch kind {
	case KindRateLimited, KindServer, KindTimeout:
		return true
	default:
		return false
	}
}
