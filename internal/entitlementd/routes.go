package entitlementd

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborline/entitlementd/internal/auth"
	"github.com/harborline/entitlementd/internal/convergence"
	"github.com/harborline/entitlementd/internal/store"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Store       *store.Store
	Convergence *convergence.Service
	Sessions    *auth.Service
	Version     string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	sessionAuth := func(next http.Handler) http.Handler {
		return auth.Require(deps.Sessions, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))
	mux.Handle("/status", sessionAuth(HandleStatus(deps.Store, deps.Version)))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", sessionAuth(metricsHandler))
	}

	// Billing webhook (signature-authenticated)
	webhookHandler := NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Convergence)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/billing/webhook", webhookLimiter.Middleware(webhookHandler))

	// Convergence entry points (session-authenticated)
	mux.Handle("/api/billing/checkout/verify", sessionAuth(HandleVerifyCheckout(deps.Convergence)))
	mux.Handle("/api/billing/checkout/sync", sessionAuth(HandleSyncCheckout(deps.Convergence)))
	mux.Handle("/api/billing/refresh", sessionAuth(HandleRefresh(deps.Convergence)))
	mux.Handle("/api/billing/grace", sessionAuth(HandleGraceWindow(deps.Convergence)))
	mux.Handle("/api/billing/entitlement", sessionAuth(HandleGetEntitlement(deps.Store)))
}
