package entitlement

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	coreerrors "github.com/rcourtman/carbscan/internal/errors"
	"github.com/rcourtman/carbscan/internal/installation"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnchors struct {
	mu     sync.Mutex
	anchor installation.Anchor
	err    error
}

func (f *fakeAnchors) ResolveInstallDate(context.Context) (installation.Anchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anchor, f.err
}

func (f *fakeAnchors) set(a installation.Anchor, err error) {
	f.mu.Lock()
	f.anchor, f.err = a, err
	f.mu.Unlock()
}

func fakeAnchorDaysAgo(days int) installation.Anchor {
	return installation.Anchor{AnchorID: "anon-1", InstallDate: time.Now().AddDate(0, 0, -days)}
}

type recordingQuota struct {
	mu       sync.Mutex
	triggers []quota.ResetTrigger
}

func (q *recordingQuota) Reset(trigger quota.ResetTrigger) {
	q.mu.Lock()
	q.triggers = append(q.triggers, trigger)
	q.mu.Unlock()
}

func (q *recordingQuota) resets() []quota.ResetTrigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]quota.ResetTrigger(nil), q.triggers...)
}

type harness struct {
	ledger   *MemoryLedger
	anchors  *fakeAnchors
	quota    *recordingQuota
	resolver *Resolver
}

func newHarness(t *testing.T, installedDaysAgo int) *harness {
	t.Helper()
	ledger, err := NewMemoryLedger(nil)
	require.NoError(t, err)

	anchors := &fakeAnchors{anchor: fakeAnchorDaysAgo(installedDaysAgo)}
	q := &recordingQuota{}
	r, err := NewResolver(Options{
		Ledger:   ledger,
		Verifier: NewVerifier(ledger.PublicKey()),
		Anchors:  anchors,
		Products: NewProductMap(nil),
		Quota:    q,
	})
	require.NoError(t, err)
	return &harness{ledger: ledger, anchors: anchors, quota: q, resolver: r}
}

func TestNewResolverRequiresCollaborators(t *testing.T) {
	_, err := NewResolver(Options{})
	assert.Error(t, err)

	ledger, err := NewMemoryLedger(nil)
	require.NoError(t, err)
	_, err = NewResolver(Options{Ledger: ledger})
	assert.Error(t, err)
}

func TestStartFinishesEveryUnfinishedTransaction(t *testing.T) {
	h := newHarness(t, 10)
	tx1, err := h.ledger.Grant("com.carbscan.standard.monthly", nil)
	require.NoError(t, err)
	tx2, err := h.ledger.Grant("com.carbscan.standard.yearly", nil)
	require.NoError(t, err)

	require.NoError(t, h.resolver.Start(context.Background()))
	defer h.resolver.Stop()

	state := h.resolver.Current(context.Background())
	assert.Equal(t, TierStandard, state.Tier)
	assert.Equal(t, 10, state.Ceiling)

	finished := h.ledger.Finished()
	assert.Contains(t, finished, tx1.ID)
	assert.Contains(t, finished, tx2.ID)

	pending, err := h.ledger.UnfinishedTransactions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTrialWindowWithoutEntitlement(t *testing.T) {
	h := newHarness(t, 2)
	state, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierTrial, state.Tier)
	assert.Equal(t, 10, state.Ceiling)
	assert.Equal(t, 1, state.TrialDaysRemaining)
}

func TestExpiredTrialWithoutEntitlementIsNoAccess(t *testing.T) {
	h := newHarness(t, 4)
	state, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierNone, state.Tier)
	assert.Equal(t, 0, state.Ceiling)
	assert.False(t, state.Tier.Allows())
}

func TestUnreachableAnchorIsUndeterminedAndRetried(t *testing.T) {
	h := newHarness(t, 0)
	h.anchors.set(installation.Anchor{}, coreerrors.WrapAnchorError("resolve_install_date", errors.New("offline")))

	state, err := h.resolver.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, IsUndetermined(err))
	assert.Equal(t, TierUndetermined, state.Tier)
	assert.Equal(t, 0, state.Ceiling)

	h.anchors.set(installation.Anchor{InstallDate: time.Now()}, nil)
	state = h.resolver.Current(context.Background())
	assert.Equal(t, TierTrial, state.Tier)
}

func TestStaleAnchorIsFlagged(t *testing.T) {
	h := newHarness(t, 0)
	h.anchors.set(installation.Anchor{InstallDate: time.Now().AddDate(0, 0, -1), Stale: true}, nil)

	state, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierTrial, state.Tier)
	assert.True(t, state.Stale)
}

func TestCurrentNoticesTrialWindowClosing(t *testing.T) {
	h := newHarness(t, 2)
	var mu sync.Mutex
	now := time.Now()
	h.resolver.opts.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	var changes []Tier
	h.resolver.Subscribe(func(s State) { changes = append(changes, s.Tier) })

	require.NoError(t, h.resolver.Start(context.Background()))
	defer h.resolver.Stop()
	assert.Equal(t, TierTrial, h.resolver.Current(context.Background()).Tier)

	mu.Lock()
	now = now.AddDate(0, 0, 5)
	mu.Unlock()

	state := h.resolver.Current(context.Background())
	assert.Equal(t, TierNone, state.Tier)
	assert.Equal(t, 0, state.Ceiling)
	assert.Equal(t, TierNone, h.resolver.Snapshot().Tier)
	assert.Contains(t, changes, TierNone)
}

func TestCurrentRetriesAfterStaleAnchor(t *testing.T) {
	h := newHarness(t, 0)
	h.anchors.set(installation.Anchor{InstallDate: time.Now().AddDate(0, 0, -1), Stale: true}, nil)

	state, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, state.Stale)

	h.anchors.set(installation.Anchor{AnchorID: "anon-1", InstallDate: time.Now().AddDate(0, 0, -1)}, nil)
	state = h.resolver.Current(context.Background())
	assert.Equal(t, TierTrial, state.Tier)
	assert.False(t, state.Stale)
}

func TestCurrentKeepsPaidTierWithoutReEvaluatingTrial(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.ledger.Grant("com.carbscan.standard.monthly", nil)
	require.NoError(t, err)
	require.NoError(t, h.resolver.Start(context.Background()))
	defer h.resolver.Stop()

	h.anchors.set(installation.Anchor{}, coreerrors.WrapAnchorError("resolve_install_date", errors.New("offline")))
	assert.Equal(t, TierStandard, h.resolver.Current(context.Background()).Tier)
}

func TestUnverifiedTransactionIsNotFinishedOrApplied(t *testing.T) {
	h := newHarness(t, 1)

	_, forger, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	forged, err := Sign(forger, Transaction{ID: "forged-1", ProductID: "com.carbscan.unlimited.yearly", PurchaseDate: time.Now()})
	require.NoError(t, err)
	h.ledger.InjectUnfinished(forged)

	state, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierTrial, state.Tier)
	assert.NotContains(t, h.ledger.Finished(), "forged-1")

	pending, err := h.ledger.UnfinishedTransactions(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUnknownProductFallsBackToTrialWindow(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.ledger.Grant("com.carbscan.lifetime", nil)
	require.NoError(t, err)

	state, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierTrial, state.Tier)
}

func TestPurchaseSuccessAppliesTierAndResetsQuota(t *testing.T) {
	h := newHarness(t, 5)
	_, err := h.resolver.Resolve(context.Background())
	require.NoError(t, err)

	result, err := h.resolver.Purchase(context.Background(), "com.carbscan.unlimited.monthly")
	require.NoError(t, err)
	assert.Equal(t, PurchaseSuccess, result.Status)
	assert.Equal(t, TierUnlimited, result.State.Tier)
	assert.Equal(t, 50, result.State.Ceiling)
	assert.Equal(t, []quota.ResetTrigger{quota.ResetPurchase}, h.quota.resets())

	assert.Contains(t, h.ledger.Finished(), result.State.TransactionID)
	assert.Equal(t, TierUnlimited, h.resolver.Current(context.Background()).Tier)
}

func TestPurchasePendingAndCancelledKeepTier(t *testing.T) {
	for _, status := range []PurchaseStatus{PurchasePending, PurchaseCancelled} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, 1)
			_, err := h.resolver.Resolve(context.Background())
			require.NoError(t, err)

			h.ledger.SetNextPurchaseOutcome(status)
			result, err := h.resolver.Purchase(context.Background(), "com.carbscan.standard.monthly")
			require.NoError(t, err)
			assert.Equal(t, status, result.Status)
			assert.Equal(t, TierTrial, result.State.Tier)
			assert.Empty(t, h.quota.resets())
		})
	}
}

func TestRestoreSyncsThenResolves(t *testing.T) {
	h := newHarness(t, 6)
	_, err := h.ledger.Grant("com.carbscan.standard.monthly", nil)
	require.NoError(t, err)

	state, err := h.resolver.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.Syncs())
	assert.Equal(t, TierStandard, state.Tier)
}

func TestListenerReResolvesOnUpdates(t *testing.T) {
	h := newHarness(t, 1)

	var mu sync.Mutex
	var seen []Tier
	unsubscribe := h.resolver.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Tier)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, h.resolver.Start(context.Background()))
	defer h.resolver.Stop()
	assert.Equal(t, TierTrial, h.resolver.Current(context.Background()).Tier)

	tx, err := h.ledger.Grant("com.carbscan.unlimited.monthly", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return h.resolver.Current(context.Background()).Tier == TierUnlimited
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, id := range h.ledger.Finished() {
			if id == tx.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.ledger.Revoke(tx.ID))
	assert.Eventually(t, func() bool {
		return h.resolver.Current(context.Background()).Tier == TierTrial
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Tier{TierTrial, TierUnlimited, TierTrial}, seen)
}

func TestListenerIgnoresForgedUpdates(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.resolver.Start(context.Background()))
	defer h.resolver.Stop()

	_, forger, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	forged, err := Sign(forger, Transaction{ID: "forged-2", ProductID: "com.carbscan.unlimited.monthly", PurchaseDate: time.Now()})
	require.NoError(t, err)
	h.ledger.Publish(forged)

	assert.Never(t, func() bool {
		return h.resolver.Current(context.Background()).Tier == TierUnlimited
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.NotContains(t, h.ledger.Finished(), "forged-2")
}

func TestStopWaitsForListenerWhenLedgerCloses(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.resolver.Start(context.Background()))
	h.ledger.Close()

	done := make(chan struct{})
	go func() {
		h.resolver.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
