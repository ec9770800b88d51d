// Package api exposes the core to the host shell over local HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rcourtman/carbscan/internal/analysis"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rcourtman/carbscan/internal/inference"
	"github.com/rcourtman/carbscan/internal/notifications"
	"github.com/rcourtman/carbscan/internal/quota"
	"github.com/rs/zerolog/log"
)

// Gate is the capture gate.
type Gate interface {
	Authorize(ctx context.Context) analysis.Decision
	Submit(ctx context.Context, images []inference.Image) (*analysis.Submission, error)
}

// Entitlements resolves and changes the user's tier.
type Entitlements interface {
	Current(ctx context.Context) entitlement.State
	Purchase(ctx context.Context, productID string) (entitlement.PurchaseResult, error)
	Restore(ctx context.Context) (entitlement.State, error)
}

// Quota reports daily usage.
type Quota interface {
	Snapshot() quota.State
	Remaining(ceiling int) int
	NextReset() time.Time
}

// Lifecycle receives host foreground/background signals.
type Lifecycle interface {
	SetBackgrounded(backgrounded bool) bool
	IsBackgrounded() bool
	Since() time.Time
}

// History exposes recent notifier decisions.
type History interface {
	History() []notifications.Delivery
}

// Deps are the collaborators the router serves.
type Deps struct {
	Gate         Gate
	Entitlements Entitlements
	Quota        Quota
	Lifecycle    Lifecycle
	History      History
	// WebSocket handles /ws; nil disables the route.
	WebSocket http.Handler
	Version   string
	StartTime time.Time
}

// Router handles HTTP routing
type Router struct {
	mux  *http.ServeMux
	deps Deps
}

// NewRouter creates a new router instance wrapped in ErrorHandler.
func NewRouter(deps Deps) http.Handler {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	r := &Router{mux: http.NewServeMux(), deps: deps}
	r.setupRoutes()
	return ErrorHandler(r)
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/status", r.handleStatus)
	r.mux.HandleFunc("POST /api/authorize", r.handleAuthorize)
	r.mux.HandleFunc("POST /api/analyze", r.handleAnalyze)
	r.mux.HandleFunc("POST /api/purchase", r.handlePurchase)
	r.mux.HandleFunc("POST /api/restore", r.handleRestore)
	r.mux.HandleFunc("POST /api/lifecycle", r.handleLifecycle)
	r.mux.HandleFunc("GET /api/notifications/history", r.handleNotificationHistory)
	if r.deps.WebSocket != nil {
		r.mux.Handle("GET /ws", r.deps.WebSocket)
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.addSecurityHeaders(w)

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}
