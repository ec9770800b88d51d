// Package analysis gates captures on entitlement and daily quota, starts
// inference for permitted ones, and routes outcomes to the notifier.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcourtman/carbscan/internal/entitlement"
	coreerrors "github.com/rcourtman/carbscan/internal/errors"
	"github.com/rcourtman/carbscan/internal/inference"
	"github.com/rcourtman/carbscan/internal/metrics"
	"github.com/rcourtman/carbscan/internal/notifications"
	"github.com/rs/zerolog/log"
)

// Reason explains a denial to the capture UI.
type Reason string

const (
	ReasonTrialExpired            Reason = "trialExpired"
	ReasonDailyLimitReached       Reason = "dailyLimitReached"
	ReasonEntitlementUndetermined Reason = "entitlementUndetermined"
)

// Decision is the permit/deny answer for one capture.
type Decision struct {
	Allowed   bool             `json:"allowed"`
	Reason    Reason           `json:"reason,omitempty"`
	Tier      entitlement.Tier `json:"tier"`
	Ceiling   int              `json:"ceiling"`
	Remaining int              `json:"remaining"`
	Stale     bool             `json:"stale,omitempty"`
}

// Entitlements supplies the current tier.
type Entitlements interface {
	Current(ctx context.Context) entitlement.State
}

// Quota is the daily usage counter.
type Quota interface {
	Remaining(ceiling int) int
	TryConsume(ceiling int) (int, bool)
}

// Inference runs jobs.
type Inference interface {
	Start(ctx context.Context, job *inference.Job) <-chan inference.Outcome
	OnComplete(h inference.CompletionHandler)
}

// Notifier receives terminal outcomes.
type Notifier interface {
	OnJobCompleted(outcome notifications.Outcome) bool
}

// Result is a finished job as reported to the submitter.
type Result struct {
	JobID     string          `json:"job_id"`
	State     inference.State `json:"state"`
	Text      string          `json:"text,omitempty"`
	Headline  *Headline       `json:"headline,omitempty"`
	Error     string          `json:"error,omitempty"`
	Kind      string          `json:"error_kind,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Submission is a gated capture. JobID is empty when the capture was denied.
type Submission struct {
	JobID    string   `json:"job_id,omitempty"`
	Decision Decision `json:"decision"`

	done <-chan inference.Outcome
}

// Wait blocks until the job finishes or ctx ends. An abandoned wait does
// not stop the job.
func (s *Submission) Wait(ctx context.Context) (Result, error) {
	if s.done == nil {
		return Result{}, fmt.Errorf("submission %q was not started", s.JobID)
	}
	select {
	case outcome := <-s.done:
		return resultFrom(outcome), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Service is the capture gate.
type Service struct {
	entitlements Entitlements
	quota        Quota
	inference    Inference
	notifier     Notifier
}

// NewService wires the gate. Outcomes of every job started through the
// coordinator are forwarded to notifier.
func NewService(ent Entitlements, q Quota, inf Inference, notifier Notifier) *Service {
	s := &Service{entitlements: ent, quota: q, inference: inf, notifier: notifier}
	inf.OnComplete(s.handleCompletion)
	return s
}

// Authorize answers whether a capture would be permitted right now without
// consuming allowance.
func (s *Service) Authorize(ctx context.Context) Decision {
	state := s.entitlements.Current(ctx)
	d := decide(state)
	if d.Allowed {
		d.Remaining = s.quota.Remaining(d.Ceiling)
		if d.Remaining == 0 {
			d.Allowed = false
			d.Reason = ReasonDailyLimitReached
		}
	}
	return d
}

// Submit validates images, consumes one unit of allowance and starts
// inference. A denied capture returns a Submission with Allowed false and a
// nil error. Allowance is not refunded if the job later fails.
func (s *Service) Submit(ctx context.Context, images []inference.Image) (*Submission, error) {
	job, err := inference.NewJob(images, "")
	if err != nil {
		return nil, err
	}

	d := decide(s.entitlements.Current(ctx))
	if !d.Allowed {
		s.recordDecision(d)
		return &Submission{Decision: d}, nil
	}

	left, ok := s.quota.TryConsume(d.Ceiling)
	if !ok {
		d.Allowed = false
		d.Reason = ReasonDailyLimitReached
		s.recordDecision(d)
		return &Submission{Decision: d}, nil
	}
	d.Remaining = left
	s.recordDecision(d)

	log.Info().
		Str("job_id", job.ID).
		Str("tier", string(d.Tier)).
		Int("images", len(job.Images)).
		Int("remaining", left).
		Msg("Analysis permitted")

	return &Submission{
		JobID:    job.ID,
		Decision: d,
		done:     s.inference.Start(ctx, job),
	}, nil
}

func (s *Service) recordDecision(d Decision) {
	metrics.RecordGateDecision(d.Allowed, string(d.Reason))
	if !d.Allowed {
		log.Info().Str("tier", string(d.Tier)).Str("reason", string(d.Reason)).Msg("Analysis denied")
	}
}

// decide maps a tier to a decision before quota is consulted.
func decide(state entitlement.State) Decision {
	d := Decision{Tier: state.Tier, Ceiling: state.Ceiling, Stale: state.Stale}
	switch {
	case state.Tier == entitlement.TierUndetermined:
		d.Reason = ReasonEntitlementUndetermined
	case !state.Tier.Allows():
		d.Reason = ReasonTrialExpired
	default:
		d.Allowed = true
	}
	return d
}

func (s *Service) handleCompletion(job *inference.Job, outcome inference.Outcome) {
	if s.notifier == nil {
		return
	}
	s.notifier.OnJobCompleted(notificationOutcome(job.ID, outcome))
}

// notificationOutcome classifies an inference outcome for the notifier.
func notificationOutcome(jobID string, outcome inference.Outcome) notifications.Outcome {
	n := notifications.Outcome{JobID: jobID}

	if outcome.Err != nil {
		if errors.Is(outcome.Err, coreerrors.ErrServerOverload) {
			n.Kind = notifications.OutcomeOverload
		} else {
			n.Kind = notifications.OutcomeFailure
		}
		return n
	}

	headline, err := ParseHeadline(outcome.Text)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Could not parse model headline")
		n.Kind = notifications.OutcomeSuccess
		n.NoEstimate = true
		return n
	}
	if !headline.IsFood {
		n.Kind = notifications.OutcomeContentRejected
		n.Summary = headline.Summary
		return n
	}
	n.Kind = notifications.OutcomeSuccess
	n.TotalCarbs = headline.TotalCarbs
	n.Summary = headline.Summary
	return n
}

func resultFrom(outcome inference.Outcome) Result {
	r := Result{JobID: outcome.JobID, State: outcome.State, Text: outcome.Text}
	if outcome.Err != nil {
		r.Error = outcome.Err.Error()
		r.Retryable = coreerrors.IsRetryableError(outcome.Err)
		var ie *inference.Error
		if errors.As(outcome.Err, &ie) {
			r.Kind = string(ie.Kind)
		}
		return r
	}
	if h, err := ParseHeadline(outcome.Text); err == nil {
		r.Headline = h
	}
	return r
}
