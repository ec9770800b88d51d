package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	coreerrors "github.com/rcourtman/carbscan/internal/errors"
	"github.com/rcourtman/carbscan/internal/installation"
	"github.com/rcourtman/carbscan/internal/metrics"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/rs/zerolog/log"
)

// State is the resolved entitlement.
type State struct {
	Tier               Tier      `json:"tier"`
	Ceiling            int       `json:"ceiling"`
	ProductID          string    `json:"product_id,omitempty"`
	TransactionID      string    `json:"transaction_id,omitempty"`
	TrialDaysRemaining int       `json:"trial_days_remaining"`
	InstallDate        time.Time `json:"install_date,omitempty"`
	// Stale is set when part of the answer came from a local cache.
	Stale      bool      `json:"stale"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// PurchaseResult is the outcome of Purchase.
type PurchaseResult struct {
	Status PurchaseStatus `json:"status"`
	State  State          `json:"state"`
}

// AnchorResolver yields the trial anchor.
type AnchorResolver interface {
	ResolveInstallDate(ctx context.Context) (installation.Anchor, error)
}

// QuotaResetter is reset after an upgrade.
type QuotaResetter interface {
	Reset(trigger quota.ResetTrigger)
}

// Options configures a Resolver.
type Options struct {
	Ledger    Ledger
	Verifier  *Verifier
	Anchors   AnchorResolver
	Products  *ProductMap
	Quota     QuotaResetter
	TrialDays int
	Location  *time.Location
	Now       func() time.Time
}

// Resolver owns the current tier. It drains unfinished transactions before
// every full resolve and listens for ledger updates for the process lifetime.
type Resolver struct {
	opts Options

	resolveMu sync.Mutex

	mu      sync.RWMutex
	state   State
	subs    map[int]func(State)
	nextSub int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewResolver validates opts and returns an unstarted resolver whose state
// is undetermined.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("entitlement: ledger is required")
	}
	if opts.Anchors == nil {
		return nil, fmt.Errorf("entitlement: anchor resolver is required")
	}
	if opts.Products == nil {
		opts.Products = NewProductMap(nil)
	}
	if opts.TrialDays <= 0 {
		opts.TrialDays = installation.DefaultTrialDays
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		opts:  opts,
		state: State{Tier: TierUndetermined},
		subs:  make(map[int]func(State)),
	}, nil
}

// Start drains the ledger, resolves the tier, and launches the update
// listener. ctx must be the process context, not a request context.
func (r *Resolver) Start(ctx context.Context) error {
	if _, err := r.Resolve(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial entitlement resolve incomplete")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.listen(listenCtx)
	return nil
}

// Stop ends the listener and waits for it.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Current returns the cached state. An undetermined or stale state is
// resolved again in full, and a trial state is re-checked against the trial
// window so a long-running process notices when the window closes.
func (r *Resolver) Current(ctx context.Context) State {
	state := r.Snapshot()

	switch {
	case state.Tier == TierUndetermined || state.Stale:
		resolved, err := r.Resolve(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Entitlement still undetermined")
		}
		return resolved
	case state.Tier == TierTrial:
		return r.refreshTrial(ctx)
	}
	return state
}

// refreshTrial re-evaluates the trial window without asking the ledger.
// The anchor is memoized after the first remote success, so this is local.
func (r *Resolver) refreshTrial(ctx context.Context) State {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	current := r.Snapshot()
	if current.Tier != TierTrial || current.Stale {
		return current
	}
	state, err := r.evaluateTrial(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Trial window re-check failed")
	}
	r.apply(state)
	return state
}

// Resolve finishes every unfinished transaction it can verify, then derives
// the tier from current entitlements or the trial window.
func (r *Resolver) Resolve(ctx context.Context) (State, error) {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	r.drainUnfinished(ctx)
	return r.evaluateLocked(ctx)
}

// Purchase runs a purchase flow. On success the tier is applied from the
// returned transaction immediately and the daily usage is reset.
func (r *Resolver) Purchase(ctx context.Context, productID string) (PurchaseResult, error) {
	result, err := r.opts.Ledger.Purchase(ctx, productID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("purchase %s: %w", productID, err)
	}

	switch result.Status {
	case PurchasePending, PurchaseCancelled:
		log.Info().Str("product_id", productID).Str("status", string(result.Status)).Msg("Purchase did not complete")
		return PurchaseResult{Status: result.Status, State: r.Snapshot()}, nil
	}

	if result.Transaction == nil {
		return PurchaseResult{}, fmt.Errorf("purchase %s: ledger reported success without a transaction", productID)
	}

	tx, err := r.opts.Verifier.Verify(*result.Transaction)
	if err != nil {
		metrics.RecordTransaction("unverified")
		log.Error().Err(err).Str("product_id", productID).Msg("Purchased transaction failed verification, not applying")
		return PurchaseResult{}, err
	}

	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	r.finish(ctx, tx)

	tier := r.opts.Products.Lookup(tx.ProductID)
	var state State
	if tier == tierUnknown {
		log.Warn().Str("product_id", tx.ProductID).Msg("Purchased product has no tier mapping, evaluating trial window")
		state, _ = r.evaluateTrial(ctx)
	} else {
		state = State{
			Tier:          tier,
			Ceiling:       tier.Ceiling(),
			ProductID:     tx.ProductID,
			TransactionID: tx.ID,
			ResolvedAt:    r.opts.Now(),
		}
	}
	r.apply(state)

	if r.opts.Quota != nil && state.Tier.Paid() {
		r.opts.Quota.Reset(quota.ResetPurchase)
	}

	log.Info().Str("product_id", tx.ProductID).Str("tier", string(state.Tier)).Msg("Purchase applied")
	return PurchaseResult{Status: PurchaseSuccess, State: state}, nil
}

// Restore asks the ledger to sync with the platform and resolves again.
func (r *Resolver) Restore(ctx context.Context) (State, error) {
	if err := r.opts.Ledger.Sync(ctx); err != nil {
		return r.Snapshot(), fmt.Errorf("sync ledger: %w", err)
	}
	return r.Resolve(ctx)
}

// Subscribe registers fn for tier changes. The returned func unsubscribes.
func (r *Resolver) Subscribe(fn func(State)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Snapshot returns the cached state without resolving.
func (r *Resolver) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Resolver) listen(ctx context.Context) {
	defer r.wg.Done()
	updates := r.opts.Ledger.Updates()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				log.Info().Msg("Ledger update stream closed")
				return
			}
			r.handleUpdate(ctx, st)
		}
	}
}

func (r *Resolver) handleUpdate(ctx context.Context, st SignedTransaction) {
	tx, err := r.opts.Verifier.Verify(st)
	if err != nil {
		metrics.RecordTransaction("unverified")
		log.Warn().Err(err).Msg("Ignoring unverified ledger update")
		return
	}

	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	r.finish(ctx, tx)
	if _, err := r.evaluateLocked(ctx); err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Re-resolve after ledger update incomplete")
	}
}

func (r *Resolver) drainUnfinished(ctx context.Context) {
	pending, err := r.opts.Ledger.UnfinishedTransactions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list unfinished transactions")
		return
	}
	for _, st := range pending {
		tx, err := r.opts.Verifier.Verify(st)
		if err != nil {
			metrics.RecordTransaction("unverified")
			log.Warn().Err(err).Msg("Leaving unverified transaction unfinished")
			continue
		}
		r.finish(ctx, tx)
	}
}

func (r *Resolver) finish(ctx context.Context, tx Transaction) {
	if err := r.opts.Ledger.Finish(ctx, tx.ID); err != nil {
		metrics.RecordTransaction("finish_failed")
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to finish transaction")
		return
	}
	metrics.RecordTransaction("finished")
	log.Debug().Str("transaction_id", tx.ID).Str("product_id", tx.ProductID).Msg("Finished transaction")
}

func (r *Resolver) evaluateLocked(ctx context.Context) (State, error) {
	entitlements, err := r.opts.Ledger.CurrentEntitlements(ctx)
	if err != nil {
		prev := r.Snapshot()
		if prev.Tier.Paid() {
			prev.Stale = true
			log.Warn().Err(err).Str("tier", string(prev.Tier)).Msg("Ledger unavailable, keeping last known tier")
			r.apply(prev)
			return prev, nil
		}
		log.Warn().Err(err).Msg("Ledger unavailable, evaluating trial window")
	}

	now := r.opts.Now()
	for _, st := range entitlements {
		tx, verr := r.opts.Verifier.Verify(st)
		if verr != nil {
			metrics.RecordTransaction("unverified")
			log.Warn().Err(verr).Msg("Ignoring unverified entitlement")
			continue
		}
		if !tx.ActiveAt(now) {
			continue
		}
		tier := r.opts.Products.Lookup(tx.ProductID)
		if tier == tierUnknown {
			log.Warn().Str("product_id", tx.ProductID).Msg("Unknown product identifier, evaluating trial window")
			break
		}
		state := State{
			Tier:          tier,
			Ceiling:       tier.Ceiling(),
			ProductID:     tx.ProductID,
			TransactionID: tx.ID,
			ResolvedAt:    now,
		}
		r.apply(state)
		return state, nil
	}

	state, terr := r.evaluateTrial(ctx)
	r.apply(state)
	return state, terr
}

func (r *Resolver) evaluateTrial(ctx context.Context) (State, error) {
	now := r.opts.Now()
	anchor, err := r.opts.Anchors.ResolveInstallDate(ctx)
	if err != nil {
		return State{Tier: TierUndetermined, ResolvedAt: now}, err
	}

	state := State{
		InstallDate:        anchor.InstallDate,
		TrialDaysRemaining: installation.DaysRemaining(anchor.InstallDate, now, r.opts.Location, r.opts.TrialDays),
		Stale:              anchor.Stale,
		ResolvedAt:         now,
	}
	if installation.IsWithinTrial(anchor.InstallDate, now, r.opts.Location, r.opts.TrialDays) {
		state.Tier = TierTrial
	} else {
		state.Tier = TierNone
	}
	state.Ceiling = state.Tier.Ceiling()
	return state, nil
}

func (r *Resolver) apply(state State) {
	r.mu.Lock()
	prev := r.state.Tier
	r.state = state
	subs := make([]func(State), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	metrics.RecordTier(string(state.Tier))
	if prev == state.Tier {
		return
	}
	log.Info().Str("from", string(prev)).Str("to", string(state.Tier)).Msg("Entitlement tier changed")
	for _, fn := range subs {
		fn(state)
	}
}

// IsUndetermined reports whether err means the tier could not be resolved.
func IsUndetermined(err error) bool {
	return errors.Is(err, coreerrors.ErrAnchorUnreachable)
}
