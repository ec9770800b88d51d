package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rcourtman/carbscan/internal/logging"
	"github.com/rs/zerolog/log"
)

// APIError represents a structured API error response
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// Headers the middleware reads and writes. Handlers set jobIDHeader so the
// request log can be joined with the inference and notifier logs.
const (
	requestIDHeader = "X-Request-ID"
	jobIDHeader     = "X-Job-ID"
)

// quietRoutes are polled or signalled often by the shell; successful calls
// are not logged.
var quietRoutes = map[string]bool{
	"/api/health":    true,
	"/api/status":    true,
	"/api/lifecycle": true,
}

// ErrorHandler assigns request ids, recovers panics, logs each request with
// its job id and records request metrics.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get(requestIDHeader)))
		r = r.WithContext(ctx)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set(requestIDHeader, requestID)

		// Upgraded connections outlive the handler; skip timing them.
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(rw, r)
			return
		}

		start := time.Now()
		route := normalizeRoute(r.URL.Path)

		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("error", rec).
					Str("route", route).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")
				writeErrorResponse(rw, http.StatusInternalServerError, "internal_error",
					"An unexpected error occurred", nil)
			}

			elapsed := time.Since(start)
			recordAPIRequest(r.Method, route, rw.StatusCode(), elapsed)
			logRequest(r.Method, route, requestID, rw, elapsed)
		}()

		next.ServeHTTP(rw, r)
	})
}

// logRequest logs one finished request. Gate denials are expected answers
// to the shell, so they stay at info; other failures warn.
func logRequest(method, route, requestID string, rw *responseWriter, elapsed time.Duration) {
	status := rw.StatusCode()
	if status < 400 && quietRoutes[route] {
		return
	}

	event := log.Debug()
	switch {
	case isGateDenial(route, status):
		event = log.Info()
	case status >= 400:
		event = log.Warn()
	}
	event = event.
		Str("method", method).
		Str("route", route).
		Int("status", status).
		Dur("elapsed", elapsed).
		Str("request_id", requestID)
	if jobID := rw.Header().Get(jobIDHeader); jobID != "" {
		event = event.Str("job_id", jobID)
	}
	event.Msg("API request")
}

func isGateDenial(route string, status int) bool {
	if route != "/api/analyze" {
		return false
	}
	switch status {
	case http.StatusPaymentRequired, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// writeErrorResponse writes a consistent error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    w.Header().Get(requestIDHeader),
		Details:      details,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// sanitizeErrorForClient logs err and returns genericMsg for the client.
func sanitizeErrorForClient(err error, genericMsg string) string {
	if err != nil {
		log.Error().Err(err).Msg(genericMsg)
	}
	return genericMsg
}

// responseWriter wraps http.ResponseWriter to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

// Hijack implements http.Hijacker interface
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

// Flush implements http.Flusher when the underlying writer supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
