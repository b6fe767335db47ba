// Package billing defines the read-only contract against the external
// billing provider and its Stripe-backed implementation.
package billing

import (
	"context"
	"errors"

	"github.com/harborline/entitlementd/pkg/entitlement"
)

// ErrUnavailable reports a provider outage (network failure, timeout, 5xx).
// Callers may retry; no local state has been touched.
var ErrUnavailable = errors.New("billing provider unavailable")

// CheckoutInfo resolves a checkout transaction to its customer and, when the
// provider expanded it, the purchased subscription.
type CheckoutInfo struct {
	CustomerID   string
	Subscription *entitlement.Snapshot
}

// Provider is the slice of the billing provider this service reads. The
// provider is the sole source of truth; local records are never fed back in.
type Provider interface {
	// SubscriptionsForCustomer returns all subscription snapshots for a
	// customer, newest-first per provider ordering. An empty slice means the
	// customer holds no subscriptions.
	SubscriptionsForCustomer(ctx context.Context, customerID string) ([]entitlement.Snapshot, error)

	// CheckoutSession resolves a checkout session ID to the customer and
	// purchased subscription.
	CheckoutSession(ctx context.Context, sessionID string) (*CheckoutInfo, error)

	// FindCustomerByEmail returns the customer ID for an email, or "" when
	// the provider knows no such customer.
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
}
