package entitlementd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/harborline/entitlementd/internal/auth"
	"github.com/harborline/entitlementd/internal/billing"
	"github.com/harborline/entitlementd/internal/convergence"
	"github.com/harborline/entitlementd/internal/entitlementd/edmetrics"
	"github.com/harborline/entitlementd/internal/store"
)

type entitlementResponse struct {
	Entitled     bool    `json:"entitled"`
	Tier         *string `json:"tier"`
	Pending      bool    `json:"pending,omitempty"`
	FromCache    bool    `json:"from_cache,omitempty"`
	MirrorLagged bool    `json:"mirror_lagged,omitempty"`
}

func resultResponse(res convergence.Result) entitlementResponse {
	out := entitlementResponse{
		Entitled:     res.Entitled,
		Pending:      res.Pending,
		FromCache:    res.FromCache,
		MirrorLagged: res.Warning != nil,
	}
	if res.Tier != "" {
		tier := res.Tier
		out.Tier = &tier
	}
	return out
}

type checkoutRequest struct {
	SessionID string `json:"session_id"`
}

func decodeCheckoutRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", false
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session_id"})
		return "", false
	}
	return sessionID, true
}

func callerIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing identity"})
		return auth.Identity{}, false
	}
	return id, true
}

// HandleVerifyCheckout converges from a checkout session right after the
// client redirect and waits for the write to become visible.
// Route: POST /api/billing/checkout/verify
func HandleVerifyCheckout(svc *convergence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerIdentity(w, r)
		if !ok {
			return
		}
		sessionID, ok := decodeCheckoutRequest(w, r)
		if !ok {
			return
		}

		res, err := svc.VerifyCheckout(r.Context(), id.UserID, sessionID)
		if err != nil {
			writeConvergenceError(w, "checkout_verify", err)
			return
		}
		edmetrics.ConvergenceTotal.WithLabelValues("checkout_verify", outcomeLabel(res)).Inc()
		writeJSON(w, http.StatusOK, resultResponse(res))
	}
}

// HandleSyncCheckout is the return-URL path: same convergence as the
// verifier, without the read-back poll.
// Route: POST /api/billing/checkout/sync
func HandleSyncCheckout(svc *convergence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerIdentity(w, r)
		if !ok {
			return
		}
		sessionID, ok := decodeCheckoutRequest(w, r)
		if !ok {
			return
		}

		res, err := svc.SyncCheckout(r.Context(), id.UserID, sessionID)
		if err != nil {
			writeConvergenceError(w, "checkout_sync", err)
			return
		}
		edmetrics.ConvergenceTotal.WithLabelValues("checkout_sync", outcomeLabel(res)).Inc()
		writeJSON(w, http.StatusOK, resultResponse(res))
	}
}

// HandleRefresh is the login-time fallback verifier.
// Route: POST /api/billing/refresh
func HandleRefresh(svc *convergence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerIdentity(w, r)
		if !ok {
			return
		}

		res, err := svc.Refresh(r.Context(), id.UserID)
		if err != nil {
			writeConvergenceError(w, "refresh", err)
			return
		}
		edmetrics.ConvergenceTotal.WithLabelValues("refresh", outcomeLabel(res)).Inc()
		writeJSON(w, http.StatusOK, resultResponse(res))
	}
}

// HandleGraceWindow reports the post-convergence grace window used by
// authorization checks to tolerate propagation lag.
// Route: GET /api/billing/grace
func HandleGraceWindow(svc *convergence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerIdentity(w, r)
		if !ok {
			return
		}

		g, err := svc.GraceWindow(id.UserID)
		if err != nil {
			writeConvergenceError(w, "grace", err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

// HandleGetEntitlement returns the cached entitlement without touching the
// provider. Callers needing fresh truth use the refresh endpoint.
// Route: GET /api/billing/entitlement
func HandleGetEntitlement(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := callerIdentity(w, r)
		if !ok {
			return
		}

		user, err := st.GetUser(id.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", id.UserID).Msg("entitlement lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if user == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
			return
		}

		out := entitlementResponse{Entitled: user.Tier != "", FromCache: true}
		if user.Tier != "" {
			tier := user.Tier
			out.Tier = &tier
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func outcomeLabel(res convergence.Result) string {
	switch {
	case res.Pending:
		return "pending"
	case res.FromCache:
		return "from_cache"
	case res.Warning != nil:
		return "mirror_lagged"
	default:
		return "success"
	}
}

func writeConvergenceError(w http.ResponseWriter, entryPoint string, err error) {
	edmetrics.ConvergenceTotal.WithLabelValues(entryPoint, "error").Inc()
	log.Error().Err(err).Str("entry_point", entryPoint).Msg("Convergence failed")

	switch {
	case errors.Is(err, convergence.ErrIdentityNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
	case errors.Is(err, billing.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "billing provider unavailable, retry later"})
	case errors.Is(err, convergence.ErrPersistence):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "entitlement update failed, retry"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
