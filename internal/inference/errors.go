package inference

import (
	"fmt"
	"net/http"

	coreerrors "github.com/rcourtman/carbscan/internal/errors"
)

// Kind classifies an inference failure.
type Kind string

const (
	// KindTransportLost means the connection dropped or timed out before a
	// response arrived. Resubmitting the same inputs is the only recovery.
	KindTransportLost Kind = "transport_lost"
	// KindServerOverload is explicit backpressure from the endpoint.
	KindServerOverload Kind = "server_overload"
	// KindMalformedResponse means the envelope did not parse. Body still
	// carries the raw response.
	KindMalformedResponse Kind = "malformed_response"
	// KindHTTPError is any other non-2xx status.
	KindHTTPError Kind = "http_error"
)

// Error is the error type returned for every failed job.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPError, KindServerOverload:
		return fmt.Sprintf("inference %s (%d): %s", e.Kind, e.StatusCode, truncate(e.Body, 200))
	default:
		if e.Err != nil {
			return fmt.Sprintf("inference %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("inference %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the shared transport and overload sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case coreerrors.ErrTransportLost:
		return e.Kind == KindTransportLost
	case coreerrors.ErrServerOverload:
		return e.Kind == KindServerOverload
	}
	return false
}

// Retryable reports whether a fresh submission may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransportLost || e.Kind == KindServerOverload
}

func classifyStatus(code int, body []byte) *Error {
	kind := KindHTTPError
	if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
		kind = KindServerOverload
	}
	return &Error{Kind: kind, StatusCode: code, Body: string(body)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
