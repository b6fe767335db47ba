package entitlementd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/harborline/entitlementd/internal/convergence"
	"github.com/harborline/entitlementd/internal/entitlementd/edmetrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming billing provider webhook events.
type WebhookHandler struct {
	secret string
	svc    *convergence.Service
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates the billing webhook HTTP handler.
func NewWebhookHandler(secret string, svc *convergence.Service) *WebhookHandler {
	return &WebhookHandler{secret: secret, svc: svc}
}

// ServeHTTP verifies the event signature and dispatches it. Unsigned or
// badly signed events are rejected with no state change.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		edmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		edmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r, &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Billing webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		customerID := strings.TrimSpace(session.Customer)
		if customerID == "" {
			return fmt.Errorf("checkout session missing customer")
		}
		return h.svc.HandleCheckoutCompleted(r.Context(), customerID, session.Email())

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		customerID := strings.TrimSpace(sub.Customer)
		if customerID == "" {
			return fmt.Errorf("subscription missing customer")
		}
		return h.svc.HandleSubscriptionChanged(r.Context(), customerID)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Billing webhook ignored (unhandled type)")
		return nil
	}
}

// checkoutSessionEvent is a minimal representation of a checkout.session
// event payload. The subscription itself is refetched from the provider, so
// only identity fields matter here.
type checkoutSessionEvent struct {
	ID              string `json:"id"`
	Customer        string `json:"customer"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Email returns the best available customer email from the event.
func (s *checkoutSessionEvent) Email() string {
	if email := strings.ToLower(strings.TrimSpace(s.CustomerEmail)); email != "" {
		return email
	}
	return strings.ToLower(strings.TrimSpace(s.CustomerDetails.Email))
}

// subscriptionEvent is a minimal representation of a subscription event
// payload. Everything beyond the customer reference comes from a fresh
// provider read.
type subscriptionEvent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("entitlementd: encode response")
	}
}
