package entitlementd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harborline/entitlementd/internal/auth"
	"github.com/harborline/entitlementd/internal/billing"
	"github.com/harborline/entitlementd/internal/convergence"
	"github.com/harborline/entitlementd/internal/store"
	"github.com/harborline/entitlementd/pkg/entitlement"
)

type testHarness struct {
	store    *store.Store
	provider *testProvider
	sessions *auth.Service
	mux      *http.ServeMux
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	st := newTestStore(t)
	provider := &testProvider{
		subs:     map[string][]entitlement.Snapshot{},
		sessions: map[string]billing.CheckoutInfo{},
		emails:   map[string]string{},
	}
	sessions := auth.NewService("test-session-secret", time.Hour)

	cfg := &Config{
		StripeWebhookSecret: testWebhookSecret,
		SessionSecret:       "test-session-secret",
	}
	deps := &Deps{
		Config:      cfg,
		Store:       st,
		Convergence: newTestService(st, provider),
		Sessions:    sessions,
		Version:     "test",
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	return &testHarness{store: st, provider: provider, sessions: sessions, mux: mux}
}

func (h *testHarness) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) tokenFor(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := h.sessions.IssueToken(userID, email)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func decodeEntitlement(t *testing.T, rec *httptest.ResponseRecorder) entitlementResponse {
	t.Helper()
	var out entitlementResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body=%q)", err, rec.Body.String())
	}
	return out
}

func TestRefreshRequiresAuth(t *testing.T) {
	h := newTestHarness(t)

	rec := h.request(t, http.MethodPost, "/api/billing/refresh", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRefreshConvergesLinkedUser(t *testing.T) {
	h := newTestHarness(t)
	if err := h.store.CreateUser(&store.User{ID: "u_1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := h.store.SetEntitlement("u_1", "cus_1", ""); err != nil {
		t.Fatalf("SetEntitlement: %v", err)
	}
	h.provider.subs["cus_1"] = []entitlement.Snapshot{activeProfessionalSub("cus_1")}

	token := h.tokenFor(t, "u_1", "jo@example.com")
	rec := h.request(t, http.MethodPost, "/api/billing/refresh", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}

	out := decodeEntitlement(t, rec)
	if !out.Entitled || out.Tier == nil || *out.Tier != "professional" {
		t.Fatalf("response=%+v", out)
	}
}

func TestRefreshUnknownUserNotFound(t *testing.T) {
	h := newTestHarness(t)

	token := h.tokenFor(t, "u_missing", "ghost@example.com")
	rec := h.request(t, http.MethodPost, "/api/billing/refresh", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}
}

func TestRefreshProviderOutageServesCache(t *testing.T) {
	h := newTestHarness(t)
	if err := h.store.CreateUser(&store.User{ID: "u_1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := h.store.SetEntitlement("u_1", "cus_1", "starter"); err != nil {
		t.Fatalf("SetEntitlement: %v", err)
	}
	h.provider.err = billing.ErrUnavailable

	token := h.tokenFor(t, "u_1", "jo@example.com")
	rec := h.request(t, http.MethodPost, "/api/billing/refresh", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}

	out := decodeEntitlement(t, rec)
	if !out.FromCache || !out.Entitled || out.Tier == nil || *out.Tier != "starter" {
		t.Fatalf("response=%+v", out)
	}
}

func TestVerifyCheckoutPersistsTier(t *testing.T) {
	h := newTestHarness(t)
	if err := h.store.CreateUser(&store.User{ID: "u_1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sub := activeProfessionalSub("cus_1")
	h.provider.sessions["cs_1"] = billing.CheckoutInfo{CustomerID: "cus_1", Subscription: &sub}
	h.provider.subs["cus_1"] = []entitlement.Snapshot{sub}

	token := h.tokenFor(t, "u_1", "jo@example.com")
	rec := h.request(t, http.MethodPost, "/api/billing/checkout/verify", token, `{"session_id":"cs_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}

	out := decodeEntitlement(t, rec)
	if !out.Entitled || out.Pending {
		t.Fatalf("response=%+v", out)
	}

	u, err := h.store.GetUser("u_1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Tier != "professional" || u.StripeCustomerID != "cus_1" {
		t.Fatalf("tier=%q customer=%q", u.Tier, u.StripeCustomerID)
	}
}

func TestVerifyCheckoutRejectsMissingSessionID(t *testing.T) {
	h := newTestHarness(t)
	if err := h.store.CreateUser(&store.User{ID: "u_1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token := h.tokenFor(t, "u_1", "jo@example.com")
	rec := h.request(t, http.MethodPost, "/api/billing/checkout/verify", token, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}
}

func TestGetEntitlementReturnsNullTierWhenBlocked(t *testing.T) {
	h := newTestHarness(t)
	if err := h.store.CreateUser(&store.User{ID: "u_1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token := h.tokenFor(t, "u_1", "jo@example.com")
	rec := h.request(t, http.MethodGet, "/api/billing/entitlement", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}

	// Blocked users serialize tier as JSON null, never "".
	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tier, ok := raw["tier"]; !ok || tier != nil {
		t.Fatalf("tier=%v, want null", tier)
	}
	if entitled, _ := raw["entitled"].(bool); entitled {
		t.Fatal("expected entitled=false")
	}
}

func TestGraceWindowEndpoint(t *testing.T) {
	h := newTestHarness(t)
	if err := h.store.CreateUser(&store.User{ID: "u_1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := h.store.SetEntitlement("u_1", "cus_1", ""); err != nil {
		t.Fatalf("SetEntitlement: %v", err)
	}
	h.provider.subs["cus_1"] = []entitlement.Snapshot{activeProfessionalSub("cus_1")}

	token := h.tokenFor(t, "u_1", "jo@example.com")

	// Before any convergence the window is inactive.
	rec := h.request(t, http.MethodGet, "/api/billing/grace", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var g convergence.Grace
	if err := json.NewDecoder(rec.Body).Decode(&g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if g.Active {
		t.Fatal("expected inactive grace window before convergence")
	}

	// A refresh opens the window.
	if rec := h.request(t, http.MethodPost, "/api/billing/refresh", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh status=%d, body=%q", rec.Code, rec.Body.String())
	}
	rec = h.request(t, http.MethodGet, "/api/billing/grace", token, "")
	if err := json.NewDecoder(rec.Body).Decode(&g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !g.Active || g.AttemptID == "" {
		t.Fatalf("grace=%+v, want active window with attempt id", g)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestHarness(t)

	if rec := h.request(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
	if rec := h.request(t, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz status=%d", rec.Code)
	}
	// Status requires a session.
	if rec := h.request(t, http.MethodGet, "/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status status=%d, want 401", rec.Code)
	}
	token := h.tokenFor(t, "u_ops", "ops@example.com")
	rec := h.request(t, http.MethodGet, "/status", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status status=%d, body=%q", rec.Code, rec.Body.String())
	}
}
