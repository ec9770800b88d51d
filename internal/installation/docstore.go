package installation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	coreerrors "github.com/rcourtman/carbscan/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultFirestoreURL = "https://firestore.googleapis.com/v1"
	defaultCollection   = "installations"

	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

// DocumentStore reads and write-once creates the remote install anchor.
type DocumentStore interface {
	// GetInstallDate returns the stored anchor for userID, if any.
	GetInstallDate(ctx context.Context, userID string) (time.Time, bool, error)
	// CreateInstallDate writes the anchor only if no document exists yet.
	// created is false when another writer got there first.
	CreateInstallDate(ctx context.Context, userID string, at time.Time) (created bool, err error)
}

// FirestoreConfig configures the Firestore REST client.
type FirestoreConfig struct {
	BaseURL    string
	ProjectID  string
	Collection string

	RetryAttempts int
	RetryDelay    time.Duration
	Clock         clock.Clock
}

// FirestoreStore talks to the Firestore REST API. Authentication is carried
// by the HTTP client (see AnonymousIdentity.TokenSource).
type FirestoreStore struct {
	cfg    FirestoreConfig
	client *http.Client
}

// NewFirestoreStore creates a document store using client for transport.
func NewFirestoreStore(cfg FirestoreConfig, client *http.Client) *FirestoreStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFirestoreURL
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FirestoreStore{cfg: cfg, client: client}
}

type firestoreValue struct {
	TimestampValue string `json:"timestampValue,omitempty"`
}

type firestoreDocument struct {
	Name   string                    `json:"name,omitempty"`
	Fields map[string]firestoreValue `json:"fields"`
}

type firestoreError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// statusError carries the HTTP status so retries can tell transient failures apart.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("firestore API error (%d): %s", e.code, e.msg)
}

func (s *FirestoreStore) collectionURL() string {
	return fmt.Sprintf("%s/projects/%s/databases/(default)/documents/%s",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.ProjectID), url.PathEscape(s.cfg.Collection))
}

// GetInstallDate fetches the anchor document.
func (s *FirestoreStore) GetInstallDate(ctx context.Context, userID string) (time.Time, bool, error) {
	endpoint := s.collectionURL() + "/" + url.PathEscape(userID)

	var doc firestoreDocument
	status, err := s.call(ctx, "get_install_date", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, &doc)
	if status == http.StatusNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	field, ok := doc.Fields["installDate"]
	if !ok || field.TimestampValue == "" {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339Nano, field.TimestampValue)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse installDate %q: %w", field.TimestampValue, err)
	}
	return at, true, nil
}

// CreateInstallDate creates the anchor document; an existing document is
// never overwritten.
func (s *FirestoreStore) CreateInstallDate(ctx context.Context, userID string, at time.Time) (bool, error) {
	endpoint := s.collectionURL() + "?documentId=" + url.QueryEscape(userID)
	stamp := at.UTC().Format(time.RFC3339Nano)
	body, err := json.Marshal(firestoreDocument{Fields: map[string]firestoreValue{
		"installDate": {TimestampValue: stamp},
		"createdAt":   {TimestampValue: stamp},
	}})
	if err != nil {
		return false, fmt.Errorf("failed to marshal document: %w", err)
	}

	status, err := s.call(ctx, "create_install_date", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
	if status == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// call runs one request with retries for transient failures. The final HTTP
// status is returned alongside any error so callers can treat 404/409 as
// answers rather than failures.
func (s *FirestoreStore) call(ctx context.Context, op string, build func() (*http.Request, error), out interface{}) (int, error) {
	var status int
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			req, err := build()
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			status = 0
			resp, err := s.client.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()
			status = resp.StatusCode

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			if status == http.StatusNotFound || status == http.StatusConflict {
				return nil
			}
			if status < 200 || status >= 300 {
				msg := string(respBody)
				var errResp firestoreError
				if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
					msg = errResp.Error.Message
				}
				return &statusError{code: status, msg: msg}
			}
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("failed to parse response: %w", err)
				}
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			if se, ok := err.(*statusError); ok {
				return !coreerrors.IsTransientHTTPStatus(se.code)
			}
			return false
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Retrying document store request")
		},
		Attempts:    s.cfg.RetryAttempts,
		Delay:       s.cfg.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		if se, ok := err.(*statusError); ok {
			return status, coreerrors.WrapAPIError(op, se, se.code)
		}
		return status, fmt.Errorf("%s: %w", op, err)
	}
	return status, nil
}
