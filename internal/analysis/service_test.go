package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rcourtman/carbscan/internal/inference"
	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rcourtman/carbscan/internal/notifications"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEntitlements struct {
	mu    sync.Mutex
	state entitlement.State
}

func (s *staticEntitlements) Current(context.Context) entitlement.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func tierState(tier entitlement.Tier) entitlement.State {
	return entitlement.State{Tier: tier, Ceiling: tier.Ceiling()}
}

type fakeInference struct {
	mu       sync.Mutex
	handlers []inference.CompletionHandler
	started  []*inference.Job
	next     inference.Outcome
}

func (f *fakeInference) OnComplete(h inference.CompletionHandler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *fakeInference) Start(_ context.Context, job *inference.Job) <-chan inference.Outcome {
	f.mu.Lock()
	f.started = append(f.started, job)
	outcome := f.next
	handlers := append([]inference.CompletionHandler(nil), f.handlers...)
	f.mu.Unlock()

	outcome.JobID = job.ID
	if outcome.State == "" {
		outcome.State = inference.StateSucceeded
	}
	done := make(chan inference.Outcome, 1)
	done <- outcome
	for _, h := range handlers {
		h(job, outcome)
	}
	return done
}

func (f *fakeInference) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notifications.Outcome
}

func (r *recordingNotifier) OnJobCompleted(o notifications.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return true
}

var jpeg = []inference.Image{{Data: []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}}}

type harness struct {
	svc      *Service
	ent      *staticEntitlements
	tracker  *quota.Tracker
	inf      *fakeInference
	notifier *recordingNotifier
}

func newHarness(t *testing.T, state entitlement.State, used int) *harness {
	t.Helper()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	tracker, err := quota.New(kvstore.NewMemory(), quota.Options{Clock: testclock.NewClock(now), Location: time.UTC})
	require.NoError(t, err)
	for i := 0; i < used; i++ {
		tracker.Increment()
	}

	h := &harness{
		ent:      &staticEntitlements{state: state},
		tracker:  tracker,
		inf:      &fakeInference{next: inference.Outcome{Text: `{"is_food":true,"total_carbs_g":45,"summary":"Rice and beans."}`}},
		notifier: &recordingNotifier{},
	}
	h.svc = NewService(h.ent, tracker, h.inf, h.notifier)
	return h
}

func TestSubmitUpToCeilingThenDailyLimit(t *testing.T) {
	h := newHarness(t, tierState(entitlement.TierTrial), 9)

	d := h.svc.Authorize(context.Background())
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	sub, err := h.svc.Submit(context.Background(), jpeg)
	require.NoError(t, err)
	assert.True(t, sub.Decision.Allowed)
	assert.NotEmpty(t, sub.JobID)
	assert.Equal(t, 0, sub.Decision.Remaining)

	sub, err = h.svc.Submit(context.Background(), jpeg)
	require.NoError(t, err)
	assert.False(t, sub.Decision.Allowed)
	assert.Equal(t, ReasonDailyLimitReached, sub.Decision.Reason)
	assert.Empty(t, sub.JobID)
	assert.Equal(t, 1, h.inf.startedCount())

	d = h.svc.Authorize(context.Background())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimitReached, d.Reason)
}

func TestAuthorizeDoesNotConsume(t *testing.T) {
	h := newHarness(t, tierState(entitlement.TierStandard), 0)
	for i := 0; i < 5; i++ {
		h.svc.Authorize(context.Background())
	}
	assert.Equal(t, 0, h.tracker.Snapshot().Used)
}

func TestDenialReasons(t *testing.T) {
	tests := []struct {
		name   string
		state  entitlement.State
		reason Reason
	}{
		{"expired trial", tierState(entitlement.TierNone), ReasonTrialExpired},
		{"undetermined", tierState(entitlement.TierUndetermined), ReasonEntitlementUndetermined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.state, 0)

			d := h.svc.Authorize(context.Background())
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)

			sub, err := h.svc.Submit(context.Background(), jpeg)
			require.NoError(t, err)
			assert.False(t, sub.Decision.Allowed)
			assert.Equal(t, tt.reason, sub.Decision.Reason)
			assert.Equal(t, 0, h.tracker.Snapshot().Used)
			assert.Zero(t, h.inf.startedCount())
		})
	}
}

func TestInvalidImagesDoNotConsume(t *testing.T) {
	h := newHarness(t, tierState(entitlement.TierTrial), 0)

	_, err := h.svc.Submit(context.Background(), nil)
	require.Error(t, err)

	four := []inference.Image{jpeg[0], jpeg[0], jpeg[0], jpeg[0]}
	_, err = h.svc.Submit(context.Background(), four)
	require.Error(t, err)

	assert.Equal(t, 0, h.tracker.Snapshot().Used)
}

func TestFailedJobIsNotRefunded(t *testing.T) {
	h := newHarness(t, tierState(entitlement.TierTrial), 0)
	h.inf.next = inference.Outcome{State: inference.StateFailed, Err: &inference.Error{Kind: inference.KindTransportLost}}

	sub, err := h.svc.Submit(context.Background(), jpeg)
	require.NoError(t, err)
	result, err := sub.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, inference.StateFailed, result.State)
	assert.Equal(t, string(inference.KindTransportLost), result.Kind)
	assert.True(t, result.Retryable)
	assert.Equal(t, 1, h.tracker.Snapshot().Used)
}

func TestConcurrentSubmitsNeverOvershoot(t *testing.T) {
	h := newHarness(t, tierState(entitlement.TierTrial), 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	permitted := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := h.svc.Submit(context.Background(), jpeg)
			if err == nil && sub.Decision.Allowed {
				mu.Lock()
				permitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, permitted)
	assert.Equal(t, 10, h.tracker.Snapshot().Used)
}

func TestWaitReturnsParsedHeadline(t *testing.T) {
	h := newHarness(t, tierState(entitlement.TierUnlimited), 0)

	sub, err := h.svc.Submit(context.Background(), jpeg)
	require.NoError(t, err)
	result, err := sub.Wait(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.Headline)
	assert.Equal(t, 45.0, result.Headline.TotalCarbs)
	assert.Equal(t, sub.JobID, result.JobID)
}

func TestWaitOnDeniedSubmission(t *testing.T) {
	sub := &Submission{Decision: Decision{Reason: ReasonTrialExpired}}
	_, err := sub.Wait(context.Background())
	assert.Error(t, err)
}

func TestOutcomesRouteToNotifier(t *testing.T) {
	tests := []struct {
		name    string
		outcome inference.Outcome
		kind    notifications.OutcomeKind
		carbs   float64
	}{
		{"success", inference.Outcome{Text: `{"is_food":true,"total_carbs_g":62.5,"summary":"Burrito."}`}, notifications.OutcomeSuccess, 62.5},
		{"not food", inference.Outcome{Text: `{"is_food":false,"summary":"That is a cat."}`}, notifications.OutcomeContentRejected, 0},
		{"overload", inference.Outcome{State: inference.StateFailed, Err: &inference.Error{Kind: inference.KindServerOverload, StatusCode: 503}}, notifications.OutcomeOverload, 0},
		{"malformed", inference.Outcome{State: inference.StateFailed, Text: "<html>", Err: &inference.Error{Kind: inference.KindMalformedResponse}}, notifications.OutcomeFailure, 0},
		{"http error", inference.Outcome{State: inference.StateFailed, Err: &inference.Error{Kind: inference.KindHTTPError, StatusCode: 400}}, notifications.OutcomeFailure, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tierState(entitlement.TierTrial), 0)
			h.inf.next = tt.outcome

			sub, err := h.svc.Submit(context.Background(), jpeg)
			require.NoError(t, err)

			require.Len(t, h.notifier.outcomes, 1)
			got := h.notifier.outcomes[0]
			assert.Equal(t, sub.JobID, got.JobID)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.carbs, got.TotalCarbs)
		})
	}
}

func TestUnparsableSuccessStillNotifies(t *testing.T) {
	o := notificationOutcome("job", inference.Outcome{Text: "I think about 40 grams."})
	assert.Equal(t, notifications.OutcomeSuccess, o.Kind)
	assert.True(t, o.NoEstimate)
}
