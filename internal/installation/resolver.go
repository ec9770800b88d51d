// Package installation establishes the server-anchored first-install date
// used to decide trial eligibility.
package installation

import (
	"context"
	"fmt"
	"sync"
	"time"

	coreerrors "github.com/rcourtman/carbscan/internal/errors"
	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const keyInstallDate = "installation.install_date"

// Anchor is the resolved first-install record.
type Anchor struct {
	AnchorID    string    `json:"anchorId"`
	InstallDate time.Time `json:"installDate"`
	// Stale is set when the remote store was unreachable and the value came
	// from the local cache of an earlier successful resolve.
	Stale bool `json:"stale"`
}

// Resolver resolves the install anchor. The remote record is authoritative;
// the local cache only answers while the remote is unreachable.
type Resolver struct {
	identity Identity
	store    DocumentStore
	kv       kvstore.KV
	now      func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	resolved *Anchor
}

// NewResolver creates a resolver. now defaults to time.Now.
func NewResolver(identity Identity, store DocumentStore, kv kvstore.KV, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{identity: identity, store: store, kv: kv, now: now}
}

// ResolveInstallDate returns the install anchor, creating it on first use.
// Concurrent callers share one remote round trip. Failures are not
// remembered, so the next call retries the remote.
func (r *Resolver) ResolveInstallDate(ctx context.Context) (Anchor, error) {
	r.mu.RLock()
	if r.resolved != nil {
		anchor := *r.resolved
		r.mu.RUnlock()
		return anchor, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("anchor", func() (interface{}, error) {
		return r.resolveRemote(ctx)
	})
	if err != nil {
		return r.fallback(err)
	}
	return v.(Anchor), nil
}

func (r *Resolver) resolveRemote(ctx context.Context) (Anchor, error) {
	userID, err := r.identity.UserID(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("authenticate: %w", err)
	}

	at, found, err := r.store.GetInstallDate(ctx, userID)
	if err != nil {
		return Anchor{}, fmt.Errorf("read anchor: %w", err)
	}

	if !found {
		candidate := r.now().UTC()
		created, err := r.store.CreateInstallDate(ctx, userID, candidate)
		if err != nil {
			return Anchor{}, fmt.Errorf("write anchor: %w", err)
		}
		if created {
			at = candidate
			log.Info().Str("anchor_id", userID).Time("install_date", at).Msg("Recorded install anchor")
		} else {
			// Lost a race with another writer; theirs is canonical.
			at, found, err = r.store.GetInstallDate(ctx, userID)
			if err != nil {
				return Anchor{}, fmt.Errorf("re-read anchor: %w", err)
			}
			if !found {
				return Anchor{}, fmt.Errorf("anchor missing after create conflict")
			}
		}
	}

	anchor := Anchor{AnchorID: userID, InstallDate: at}
	if err := r.kv.Set(keyInstallDate, at.UTC().Format(time.RFC3339Nano)); err != nil {
		log.Warn().Err(err).Msg("Failed to cache install anchor locally")
	}

	r.mu.Lock()
	r.resolved = &anchor
	r.mu.Unlock()
	return anchor, nil
}

func (r *Resolver) fallback(cause error) (Anchor, error) {
	raw, ok, err := r.kv.Get(keyInstallDate)
	if err == nil && ok {
		if at, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			log.Warn().Err(cause).Time("install_date", at).Msg("Install anchor unreachable, serving cached value")
			return Anchor{InstallDate: at, Stale: true}, nil
		}
	}

	log.Error().Err(cause).Msg("Install anchor unreachable and no cached value; trial status undetermined")
	return Anchor{}, coreerrors.WrapAnchorError("resolve_install_date", cause)
}

// CachedInstallDate returns the locally cached anchor from the last
// successful resolve, without contacting the remote store.
func CachedInstallDate(kv kvstore.KV) (time.Time, bool) {
	raw, ok, err := kv.Get(keyInstallDate)
	if err != nil || !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
