package installation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/carbscan/internal/kvstore"
)

const (
	keyLocalUserID   = "installation.local.user_id"
	keyLocalDocument = "installation.local.doc."
)

// LocalIdentity is an offline identity: a random id generated once and kept
// in the kv store.
type LocalIdentity struct {
	kv kvstore.KV
	mu sync.Mutex
}

// NewLocalIdentity creates an identity backed by kv.
func NewLocalIdentity(kv kvstore.KV) *LocalIdentity {
	return &LocalIdentity{kv: kv}
}

// UserID implements Identity.
func (l *LocalIdentity) UserID(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok, err := l.kv.Get(keyLocalUserID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = "local-" + uuid.NewString()
	if err := l.kv.Set(keyLocalUserID, id); err != nil {
		return "", err
	}
	return id, nil
}

// LocalStore is a DocumentStore kept in the kv store. It has create-once
// semantics like the remote store but does not survive a reinstall.
type LocalStore struct {
	kv kvstore.KV
	mu sync.Mutex
}

// NewLocalStore creates a store backed by kv.
func NewLocalStore(kv kvstore.KV) *LocalStore {
	return &LocalStore{kv: kv}
}

// GetInstallDate implements DocumentStore.
func (s *LocalStore) GetInstallDate(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(userID)
}

// CreateInstallDate implements DocumentStore.
func (s *LocalStore) CreateInstallDate(_ context.Context, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.getLocked(userID); err != nil || ok {
		return false, err
	}
	return true, s.kv.Set(keyLocalDocument+userID, at.UTC().Format(time.RFC3339Nano))
}

func (s *LocalStore) getLocked(userID string) (time.Time, bool, error) {
	raw, ok, err := s.kv.Get(keyLocalDocument + userID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}
