// Package notifications decides whether a finished analysis should surface
// as a local notification and withdraws moot ones when the app returns.
package notifications

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/rcourtman/carbscan/internal/lifecycle"
	"github.com/rcourtman/carbscan/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Fixed identifiers. Re-delivering an identifier replaces the earlier copy.
const (
	IDComplete = "analysis_complete"
	IDError    = "analysis_error"
	IDPending  = "analysis_pending"
)

const maxHistory = 100

// OutcomeKind is the shape of a finished analysis.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeContentRejected OutcomeKind = "content_rejected"
	OutcomeOverload        OutcomeKind = "overload"
	OutcomeFailure         OutcomeKind = "failure"
)

// Outcome is what the notifier needs to know about a finished job.
type Outcome struct {
	JobID      string
	Kind       OutcomeKind
	TotalCarbs float64
	Summary    string
	// NoEstimate marks a success whose text carried no usable carb figure.
	NoEstimate bool
}

// Request is one local notification.
type Request struct {
	Identifier     string    `json:"identifier"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Sound          bool      `json:"sound"`
	BadgeIncrement int       `json:"badge_increment"`
	JobID          string    `json:"job_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Center delivers and withdraws notifications on the host.
type Center interface {
	Deliver(req Request) error
	// Withdraw removes both not-yet-presented and presented copies.
	Withdraw(identifiers ...string) error
	ClearBadge() error
}

// Lifecycle is the subset of lifecycle.Monitor the notifier uses.
type Lifecycle interface {
	IsBackgrounded() bool
	Subscribe(fn func(lifecycle.Transition)) func()
}

// Delivery records one notifier decision.
type Delivery struct {
	JobID      string      `json:"job_id,omitempty"`
	Identifier string      `json:"identifier"`
	Kind       OutcomeKind `json:"kind,omitempty"`
	Action     string      `json:"action"` // delivered, suppressed, failed, withdrawn
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Notifier turns job outcomes into at most one notification each.
type Notifier struct {
	center    Center
	lifecycle Lifecycle

	mu      sync.RWMutex
	history []Delivery

	unsubscribe func()
}

// NewNotifier wires the notifier to lifecycle transitions: entering the
// foreground withdraws notifications that are now moot.
func NewNotifier(center Center, lc Lifecycle) *Notifier {
	n := &Notifier{center: center, lifecycle: lc}
	n.unsubscribe = lc.Subscribe(func(t lifecycle.Transition) {
		if !t.Backgrounded {
			n.WithdrawMoot()
		}
	})
	return n
}

// Close detaches from lifecycle transitions.
func (n *Notifier) Close() {
	if n.unsubscribe != nil {
		n.unsubscribe()
	}
}

// OnJobCompleted delivers a notification for outcome if the app is
// backgrounded right now. Returns whether one was delivered and is still
// outstanding.
func (n *Notifier) OnJobCompleted(outcome Outcome) bool {
	req := BuildRequest(outcome)

	if !n.lifecycle.IsBackgrounded() {
		n.record(Delivery{JobID: outcome.JobID, Identifier: req.Identifier, Kind: outcome.Kind, Action: "suppressed"})
		log.Debug().Str("job_id", outcome.JobID).Str("kind", string(outcome.Kind)).Msg("App foregrounded, notification suppressed")
		return false
	}

	if err := n.center.Deliver(req); err != nil {
		n.record(Delivery{JobID: outcome.JobID, Identifier: req.Identifier, Kind: outcome.Kind, Action: "failed", Error: err.Error()})
		log.Error().Err(err).Str("job_id", outcome.JobID).Str("identifier", req.Identifier).Msg("Failed to deliver notification")
		return false
	}
	n.record(Delivery{JobID: outcome.JobID, Identifier: req.Identifier, Kind: outcome.Kind, Action: "delivered"})

	// A foreground transition that committed while Deliver ran may have
	// withdrawn before the request landed. Any transition after this check
	// runs WithdrawMoot after the delivery, so one re-check closes the gap.
	if isMoot(req.Identifier) && !n.lifecycle.IsBackgrounded() {
		log.Debug().Str("job_id", outcome.JobID).Msg("App foregrounded during delivery, withdrawing")
		n.WithdrawMoot()
		return false
	}

	log.Info().Str("job_id", outcome.JobID).Str("identifier", req.Identifier).Msg("Delivered analysis notification")
	return true
}

// isMoot reports whether identifier is withdrawn when the app returns.
// Error notices stay so background failures are not lost.
func isMoot(identifier string) bool {
	return identifier == IDComplete || identifier == IDPending
}

// WithdrawMoot removes success and pending notifications the user has not
// dismissed and clears the badge.
func (n *Notifier) WithdrawMoot() {
	ids := []string{IDComplete, IDPending}
	if err := n.center.Withdraw(ids...); err != nil {
		log.Warn().Err(err).Msg("Failed to withdraw notifications")
	} else {
		for _, id := range ids {
			n.record(Delivery{Identifier: id, Action: "withdrawn"})
		}
	}
	if err := n.center.ClearBadge(); err != nil {
		log.Warn().Err(err).Msg("Failed to clear badge")
	}
}

// History returns recent decisions, oldest first.
func (n *Notifier) History() []Delivery {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Delivery, len(n.history))
	copy(out, n.history)
	return out
}

func (n *Notifier) record(d Delivery) {
	d.Timestamp = time.Now()
	metrics.RecordNotification(d.Identifier, d.Action)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, d)
	if len(n.history) > maxHistory {
		n.history = n.history[len(n.history)-maxHistory:]
	}
}

var successBody = template.Must(template.New("success").Parse(
	`{{if .NoEstimate}}Your meal analysis is ready.{{else}}About {{printf "%.0f" .TotalCarbs}} g of carbs.{{end}}{{if .Summary}} {{.Summary}}{{end}}`))

// BuildRequest renders the notification for outcome.
func BuildRequest(outcome Outcome) Request {
	req := Request{
		Sound:          true,
		BadgeIncrement: 1,
		JobID:          outcome.JobID,
		CreatedAt:      time.Now(),
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		req.Identifier = IDComplete
		req.Title = "Carb estimate ready"
		var buf bytes.Buffer
		if err := successBody.Execute(&buf, outcome); err != nil {
			req.Body = fmt.Sprintf("About %.0f g of carbs.", outcome.TotalCarbs)
		} else {
			req.Body = buf.String()
		}
	case OutcomeContentRejected:
		req.Identifier = IDError
		req.Title = "No food found"
		req.Body = "We couldn't spot a meal or recipe in that photo. Try another angle."
		if outcome.Summary != "" {
			req.Body = outcome.Summary
		}
	case OutcomeOverload:
		req.Identifier = IDError
		req.Title = "Service busy"
		req.Body = "The analysis service is busy right now. Try again in a moment."
	default:
		req.Identifier = IDError
		req.Title = "Analysis didn't finish"
		req.Body = "Something went wrong while analyzing your meal. Open the app to try again."
	}
	return req
}
