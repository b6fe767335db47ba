package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/harborline/entitlementd/pkg/entitlement"
)

// StripeProvider implements Provider over the Stripe API. The client is
// injected so tests and alternate backends can swap it out.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a provider authenticated with the given API key.
func NewStripeProvider(apiKey string) *StripeProvider {
	return &StripeProvider{api: client.New(apiKey, nil)}
}

// NewStripeProviderWithClient wraps an existing Stripe client.
func NewStripeProviderWithClient(api *client.API) *StripeProvider {
	return &StripeProvider{api: api}
}

func (p *StripeProvider) SubscriptionsForCustomer(ctx context.Context, customerID string) ([]entitlement.Snapshot, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx

	var snaps []entitlement.Snapshot
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		snaps = append(snaps, snapshotFromSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeErr("list subscriptions", err)
	}
	return snaps, nil
}

func (p *StripeProvider) CheckoutSession(ctx context.Context, sessionID string) (*CheckoutInfo, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")

	sess, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, mapStripeErr("get checkout session", err)
	}

	info := &CheckoutInfo{}
	if sess.Customer != nil {
		info.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		snap := snapshotFromSubscription(sess.Subscription)
		info.Subscription = &snap
	}
	return info, nil
}

func (p *StripeProvider) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripelib.CustomerListParams{Email: stripelib.String(strings.ToLower(strings.TrimSpace(email)))}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	iter := p.api.Customers.List(params)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", mapStripeErr("list customers", err)
	}
	return "", nil
}

// snapshotFromSubscription converts a Stripe subscription to the internal
// snapshot shape. The billing period end lives on the items since the Basil
// API; the latest item period wins.
func snapshotFromSubscription(sub *stripelib.Subscription) entitlement.Snapshot {
	snap := entitlement.Snapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Created:           time.Unix(sub.Created, 0).UTC(),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return snap
	}

	var periodEnd int64
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
		li := entitlement.Item{}
		if item.Price != nil {
			li.PriceID = item.Price.ID
			li.UnitAmount = item.Price.UnitAmount
			li.Metadata = item.Price.Metadata
		}
		snap.Items = append(snap.Items, li)
	}
	if periodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return snap
}

// mapStripeErr folds retryable Stripe failures into ErrUnavailable. Client
// errors (bad IDs, auth) pass through untouched.
func mapStripeErr(op string, err error) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything that is not a structured Stripe error is transport-level.
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
