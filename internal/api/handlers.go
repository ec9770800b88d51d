package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/carbscan/internal/analysis"
	"github.com/rcourtman/carbscan/internal/entitlement"
	coreerrors "github.com/rcourtman/carbscan/internal/errors"
	"github.com/rcourtman/carbscan/internal/inference"
	"github.com/rcourtman/carbscan/internal/logging"
	"github.com/rcourtman/carbscan/internal/utils"
	"github.com/rs/zerolog/log"
)

type analyzeImage struct {
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

type analyzeRequest struct {
	Images []analyzeImage `json:"images"`
	// Wait defaults to true. When false the response returns as soon as
	// the job has started.
	Wait *bool `json:"wait,omitempty"`
}

type analyzeResponse struct {
	JobID    string            `json:"job_id"`
	Decision analysis.Decision `json:"decision"`
	Result   *analysis.Result  `json:"result,omitempty"`
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

type lifecycleRequest struct {
	Backgrounded *bool `json:"backgrounded"`
}

type quotaStatus struct {
	Day       string    `json:"day"`
	Used      int       `json:"used"`
	Ceiling   int       `json:"ceiling"`
	Remaining int       `json:"remaining"`
	NextReset time.Time `json:"next_reset"`
}

type lifecycleStatus struct {
	Backgrounded bool      `json:"backgrounded"`
	Since        time.Time `json:"since"`
}

type statusResponse struct {
	Entitlement entitlement.State `json:"entitlement"`
	Quota       quotaStatus       `json:"quota"`
	Lifecycle   lifecycleStatus   `json:"lifecycle"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.deps.StartTime).Seconds(),
		"version":   r.deps.Version,
	}
	if err := utils.WriteJSONResponse(w, health); err != nil {
		log.Error().Err(err).Msg("Failed to write health response")
	}
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	state := r.deps.Entitlements.Current(req.Context())
	snap := r.deps.Quota.Snapshot()

	resp := statusResponse{
		Entitlement: state,
		Quota: quotaStatus{
			Day:       snap.Day,
			Used:      snap.Used,
			Ceiling:   state.Ceiling,
			Remaining: r.deps.Quota.Remaining(state.Ceiling),
			NextReset: r.deps.Quota.NextReset(),
		},
		Lifecycle: lifecycleStatus{
			Backgrounded: r.deps.Lifecycle.IsBackgrounded(),
			Since:        r.deps.Lifecycle.Since(),
		},
	}
	if err := utils.WriteJSONResponse(w, resp); err != nil {
		log.Error().Err(err).Msg("Failed to write status response")
	}
}

func (r *Router) handleAuthorize(w http.ResponseWriter, req *http.Request) {
	d := r.deps.Gate.Authorize(req.Context())
	if err := utils.WriteJSONResponse(w, d); err != nil {
		log.Error().Err(err).Msg("Failed to write authorize response")
	}
}

func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) {
	var body analyzeRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON with base64 images", nil)
		return
	}

	images := make([]inference.Image, len(body.Images))
	for i, img := range body.Images {
		images[i] = inference.Image{MIMEType: img.MIMEType, Data: img.Data}
	}

	sub, err := r.deps.Gate.Submit(req.Context(), images)
	if err != nil {
		if errors.Is(err, coreerrors.ErrInvalidInput) {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_images", err.Error(), nil)
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, "submit_failed",
			sanitizeErrorForClient(err, "Failed to start analysis"), nil)
		return
	}

	if !sub.Decision.Allowed {
		writeDenial(w, sub.Decision)
		return
	}

	w.Header().Set(jobIDHeader, sub.JobID)
	resp := analyzeResponse{JobID: sub.JobID, Decision: sub.Decision}
	if body.Wait != nil && !*body.Wait {
		if err := utils.WriteJSONStatus(w, http.StatusAccepted, resp); err != nil {
			log.Error().Err(err).Msg("Failed to write analyze response")
		}
		return
	}

	result, err := sub.Wait(req.Context())
	if err != nil {
		// The caller went away; the job keeps running and its outcome
		// still reaches the notifier.
		logger := logging.FromContext(req.Context())
		logger.Info().Str("job_id", sub.JobID).Err(err).Msg("Analyze caller left before completion")
		return
	}
	resp.Result = &result
	if err := utils.WriteJSONResponse(w, resp); err != nil {
		log.Error().Err(err).Msg("Failed to write analyze response")
	}
}

// writeDenial reports a gate denial with a status that reflects the reason.
func writeDenial(w http.ResponseWriter, d analysis.Decision) {
	status := http.StatusForbidden
	message := "Analysis is not available"
	switch d.Reason {
	case analysis.ReasonDailyLimitReached:
		status = http.StatusTooManyRequests
		message = "Daily analysis limit reached"
	case analysis.ReasonTrialExpired:
		status = http.StatusPaymentRequired
		message = "Free trial has ended"
	case analysis.ReasonEntitlementUndetermined:
		status = http.StatusServiceUnavailable
		message = "Entitlement could not be determined, try again shortly"
	}
	writeErrorResponse(w, status, string(d.Reason), message, map[string]string{
		"tier":      string(d.Tier),
		"ceiling":   strconv.Itoa(d.Ceiling),
		"remaining": strconv.Itoa(d.Remaining),
	})
}

func (r *Router) handlePurchase(w http.ResponseWriter, req *http.Request) {
	var body purchaseRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil || strings.TrimSpace(body.ProductID) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "product_id is required", nil)
		return
	}

	result, err := r.deps.Entitlements.Purchase(req.Context(), strings.TrimSpace(body.ProductID))
	if err != nil {
		if errors.Is(err, coreerrors.ErrVerificationFailed) {
			writeErrorResponse(w, http.StatusUnprocessableEntity, "verification_failed",
				"The purchase could not be verified", nil)
			return
		}
		writeErrorResponse(w, http.StatusBadGateway, "ledger_unavailable",
			sanitizeErrorForClient(err, "Purchase could not be completed"), nil)
		return
	}
	if err := utils.WriteJSONResponse(w, result); err != nil {
		log.Error().Err(err).Msg("Failed to write purchase response")
	}
}

func (r *Router) handleRestore(w http.ResponseWriter, req *http.Request) {
	state, err := r.deps.Entitlements.Restore(req.Context())
	if err != nil && !entitlement.IsUndetermined(err) {
		writeErrorResponse(w, http.StatusBadGateway, "ledger_unavailable",
			sanitizeErrorForClient(err, "Purchases could not be restored"), nil)
		return
	}
	if err := utils.WriteJSONResponse(w, state); err != nil {
		log.Error().Err(err).Msg("Failed to write restore response")
	}
}

func (r *Router) handleLifecycle(w http.ResponseWriter, req *http.Request) {
	var body lifecycleRequest
	if err := utils.DecodeJSONBody(w, req, &body); err != nil || body.Backgrounded == nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "backgrounded is required", nil)
		return
	}

	changed := r.deps.Lifecycle.SetBackgrounded(*body.Backgrounded)
	resp := map[string]bool{
		"backgrounded": r.deps.Lifecycle.IsBackgrounded(),
		"changed":      changed,
	}
	if err := utils.WriteJSONResponse(w, resp); err != nil {
		log.Error().Err(err).Msg("Failed to write lifecycle response")
	}
}

func (r *Router) handleNotificationHistory(w http.ResponseWriter, req *http.Request) {
	if err := utils.WriteJSONResponse(w, r.deps.History.History()); err != nil {
		log.Error().Err(err).Msg("Failed to write notification history")
	}
}
