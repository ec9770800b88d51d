// Package quota tracks how many analyses were run on the current local
// calendar day and resets the count at local midnight.
package quota

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rcourtman/carbscan/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	keyLastResetDate = "quota.last_reset_date"
	keyUsedCount     = "quota.used_count"

	dayLayout = "2006-01-02"
)

// ResetTrigger names what caused a counter reset.
type ResetTrigger string

const (
	ResetScheduled ResetTrigger = "scheduled"
	ResetStale     ResetTrigger = "stale"
	ResetPurchase  ResetTrigger = "purchase"
	ResetManual    ResetTrigger = "manual"
)

// State is the persisted usage record.
type State struct {
	Day  string `json:"day"`
	Used int    `json:"used"`
}

// Options configures a Tracker.
type Options struct {
	Clock    clock.Clock
	Location *time.Location
}

// Tracker owns the daily usage counter. All reads and writes share one
// mutex with the reset path, and every call first checks whether the stored
// day is stale so a missed timer costs at most the time until the next call.
type Tracker struct {
	mu    sync.Mutex
	state State
	kv    kvstore.KV
	clock clock.Clock
	loc   *time.Location

	timer   clock.Timer
	running bool
}

// New loads the persisted state and resets it immediately if it belongs to
// an earlier day.
func New(kv kvstore.KV, opts Options) (*Tracker, error) {
	if kv == nil {
		return nil, fmt.Errorf("quota: nil store")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	t := &Tracker{kv: kv, clock: opts.Clock, loc: opts.Location}
	if err := t.load(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.refreshLocked()
	t.mu.Unlock()
	return t, nil
}

func (t *Tracker) load() error {
	day, _, err := t.kv.Get(keyLastResetDate)
	if err != nil {
		return fmt.Errorf("load quota day: %w", err)
	}
	raw, ok, err := t.kv.Get(keyUsedCount)
	if err != nil {
		return fmt.Errorf("load quota count: %w", err)
	}

	used := 0
	if ok {
		used, err = strconv.Atoi(raw)
		if err != nil || used < 0 {
			log.Warn().Str("value", raw).Msg("Discarding corrupt quota count")
			used = 0
		}
	}

	t.state = State{Day: day, Used: used}
	return nil
}

// Start arms the midnight reset timer.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.armLocked()
}

// Stop disarms the timer.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// armLocked schedules the next reset from the current wall clock; a stored
// fire time is never trusted.
func (t *Tracker) armLocked() {
	now := t.clock.Now()
	wait := NextMidnight(now, t.loc).Sub(now)
	t.timer = t.clock.AfterFunc(wait, t.fire)
	log.Debug().Dur("in", wait).Msg("Quota reset scheduled")
}

func (t *Tracker) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.resetLocked(ResetScheduled)
	t.armLocked()
}

// Remaining returns ceiling minus today's usage, clamped at zero.
func (t *Tracker) Remaining(ceiling int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	return remaining(ceiling, t.state.Used)
}

// HasReachedLimit reports whether today's usage is at or above ceiling.
func (t *Tracker) HasReachedLimit(ceiling int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	return t.state.Used >= ceiling
}

// Increment records one analysis.
func (t *Tracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	t.state.Used++
	t.persistLocked()
}

// TryConsume increments only when usage is below ceiling, returning the
// allowance left afterwards. Concurrent callers never overshoot the ceiling.
func (t *Tracker) TryConsume(ceiling int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	if t.state.Used >= ceiling {
		return 0, false
	}
	t.state.Used++
	t.persistLocked()
	return remaining(ceiling, t.state.Used), true
}

// Reset zeroes the counter for today.
func (t *Tracker) Reset(trigger ResetTrigger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(trigger)
}

// Snapshot returns the current state after the staleness check.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
	return t.state
}

// NextReset returns the next local midnight.
func (t *Tracker) NextReset() time.Time {
	return NextMidnight(t.clock.Now(), t.loc)
}

func (t *Tracker) refreshLocked() {
	if t.state.Day != t.today() {
		t.resetLocked(ResetStale)
	}
}

func (t *Tracker) resetLocked(trigger ResetTrigger) {
	previous := t.state
	t.state = State{Day: t.today(), Used: 0}
	t.persistLocked()
	metrics.RecordQuotaReset(string(trigger))

	log.Info().
		Str("trigger", string(trigger)).
		Str("previous_day", previous.Day).
		Int("previous_used", previous.Used).
		Msg("Quota reset")
}

func (t *Tracker) persistLocked() {
	err := t.kv.SetMany(map[string]string{
		keyLastResetDate: t.state.Day,
		keyUsedCount:     strconv.Itoa(t.state.Used),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist quota state")
	}
}

func (t *Tracker) today() string {
	return t.clock.Now().In(t.loc).Format(dayLayout)
}

// NextMidnight returns the first instant of the calendar day after now in loc.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func remaining(ceiling, used int) int {
	if r := ceiling - used; r > 0 {
		return r
	}
	return 0
}
