// Package lifecycle tracks whether the host application is foregrounded.
package lifecycle

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transition describes one change of the backgrounded flag.
type Transition struct {
	Backgrounded bool      `json:"backgrounded"`
	At           time.Time `json:"at"`
}

// Monitor is the single owner of the backgrounded flag. Subscribers are
// called after the new value is committed, in registration order, on the
// goroutine that reported the transition. Transitions are delivered one at
// a time, so subscribers never see them out of order.
type Monitor struct {
	signalMu sync.Mutex

	mu           sync.RWMutex
	backgrounded bool
	changedAt    time.Time

	subMu   sync.Mutex
	subs    map[int]func(Transition)
	order   []int
	nextSub int
}

// NewMonitor creates a monitor. The app starts foregrounded.
func NewMonitor() *Monitor {
	return &Monitor{
		changedAt: time.Now(),
		subs:      make(map[int]func(Transition)),
	}
}

// IsBackgrounded reports the current state.
func (m *Monitor) IsBackgrounded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backgrounded
}

// Since reports when the current state began.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// SetBackgrounded records a host signal. Repeated signals for the current
// state are ignored. Returns whether the state changed.
func (m *Monitor) SetBackgrounded(backgrounded bool) bool {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	m.mu.Lock()
	if m.backgrounded == backgrounded {
		m.mu.Unlock()
		return false
	}
	m.backgrounded = backgrounded
	m.changedAt = time.Now()
	t := Transition{Backgrounded: backgrounded, At: m.changedAt}
	m.mu.Unlock()

	if backgrounded {
		log.Debug().Msg("App entered background")
	} else {
		log.Debug().Msg("App entered foreground")
	}

	for _, fn := range m.subscribers() {
		fn(t)
	}
	return true
}

// EnterBackground is SetBackgrounded(true).
func (m *Monitor) EnterBackground() bool { return m.SetBackgrounded(true) }

// EnterForeground is SetBackgrounded(false).
func (m *Monitor) EnterForeground() bool { return m.SetBackgrounded(false) }

// Subscribe registers fn for transitions. The returned func unsubscribes.
func (m *Monitor) Subscribe(fn func(Transition)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.order = append(m.order, id)
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

func (m *Monitor) subscribers() []func(Transition) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]func(Transition), 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.subs[id])
	}
	return out
}
