// Package convergence reconciles locally cached entitlement records against
// billing provider truth. Every entry point runs the same one-way pipeline
// (fetch provider truth, derive, overwrite) so concurrent, repeated, and
// out-of-order invocations all converge to the same state.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harborline/entitlementd/internal/billing"
	"github.com/harborline/entitlementd/internal/store"
	"github.com/harborline/entitlementd/pkg/entitlement"
)

// Datastore is the slice of the entitlement store the convergence service
// needs. Implemented by *store.Store.
type Datastore interface {
	GetUser(id string) (*store.User, error)
	GetUserByEmail(email string) (*store.User, error)
	GetUserByCustomerID(customerID string) (*store.User, error)
	SetEntitlement(userID, customerID, tier string) error
	GetShopByUserID(userID string) (*store.Shop, error)
	SetShopTier(shopID, tier string) error
	RecordSyncAttempt(userID, attemptID string, at time.Time) error
}

// Config tunes the checkout read-back poll and the grace window.
type Config struct {
	PollAttempts int
	PollInterval time.Duration
	GraceWindow  time.Duration
}

const (
	defaultPollAttempts = 15
	defaultPollInterval = time.Second
	defaultGraceWindow  = 5 * time.Minute
)

// Service converges cached entitlement records toward provider truth. All
// methods are safe to call concurrently; persistence always writes the full
// latest truth, never a delta.
type Service struct {
	provider billing.Provider
	db       Datastore
	cfg      Config
	now      func() time.Time
}

// New creates a convergence service. Zero config fields get defaults.
func New(provider billing.Provider, db Datastore, cfg Config) *Service {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	return &Service{
		provider: provider,
		db:       db,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Result is the outcome of one convergence pass.
type Result struct {
	Entitled bool
	Tier     string // empty means no paid access

	// Pending is set when the write was made but a read-back poll never saw
	// it; the caller should treat access as likely granted and re-check.
	Pending bool

	// FromCache is set when the provider was unreachable and the cached
	// value was returned instead of failing the caller.
	FromCache bool

	// Warning carries ErrPartialPersistence when the shop mirror write
	// failed; the user record itself is current.
	Warning error
}

// HandleCheckoutCompleted reacts to a provider "checkout completed" event.
// The identity is resolved by email since the event carries no application
// identity. An unknown email is acknowledged as a no-op; the customer may
// not be linked yet.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, customerID, email string) error {
	user, err := s.db.GetUserByEmail(email)
	if err != nil {
		return fmt.Errorf("lookup user by email: %w", err)
	}
	if user == nil {
		log.Info().Str("customer_id", customerID).Msg("checkout completed for unknown email, ignoring")
		return nil
	}
	res, err := s.convergeCustomer(ctx, user, customerID)
	if err != nil {
		return err
	}
	log.Info().
		Str("user_id", user.ID).
		Str("customer_id", customerID).
		Str("tier", res.Tier).
		Bool("entitled", res.Entitled).
		Msg("Checkout converged")
	return nil
}

// HandleSubscriptionChanged reacts to a provider subscription updated or
// deleted event. The identity is resolved by the stored customer reference;
// no match is a benign no-op.
func (s *Service) HandleSubscriptionChanged(ctx context.Context, customerID string) error {
	user, err := s.db.GetUserByCustomerID(customerID)
	if err != nil {
		return fmt.Errorf("lookup user by customer: %w", err)
	}
	if user == nil {
		log.Info().Str("customer_id", customerID).Msg("subscription event for unlinked customer, ignoring")
		return nil
	}
	res, err := s.convergeCustomer(ctx, user, customerID)
	if err != nil {
		return err
	}
	log.Info().
		Str("user_id", user.ID).
		Str("customer_id", customerID).
		Str("tier", res.Tier).
		Bool("entitled", res.Entitled).
		Msg("Subscription change converged")
	return nil
}

// VerifyCheckout converges from a checkout session right after the client's
// redirect, then polls the cached record until the write is visible. The
// session is a stronger signal than waiting for the async event.
func (s *Service) VerifyCheckout(ctx context.Context, userID, sessionID string) (Result, error) {
	res, err := s.syncCheckout(ctx, userID, sessionID)
	if err != nil {
		return Result{}, err
	}
	return s.awaitVisible(ctx, userID, res), nil
}

// SyncCheckout is the verifier without the read-back poll, for return-URL
// paths that bypassed the verifier.
func (s *Service) SyncCheckout(ctx context.Context, userID, sessionID string) (Result, error) {
	return s.syncCheckout(ctx, userID, sessionID)
}

func (s *Service) syncCheckout(ctx context.Context, userID, sessionID string) (Result, error) {
	user, err := s.db.GetUser(userID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, userID)
	}

	info, err := s.provider.CheckoutSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve checkout session: %w", err)
	}
	if strings.TrimSpace(info.CustomerID) == "" {
		return Result{}, fmt.Errorf("checkout session %s carries no customer", sessionID)
	}
	if info.Subscription != nil {
		return s.convergeWith(user, info.CustomerID, []entitlement.Snapshot{*info.Subscription})
	}
	return s.convergeCustomer(ctx, user, info.CustomerID)
}

// Refresh is the login-time fallback verifier. With no cached customer
// reference it searches the provider by email and backfills one. A provider
// outage degrades to the cached value instead of failing the login.
func (s *Service) Refresh(ctx context.Context, userID string) (Result, error) {
	user, err := s.db.GetUser(userID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, userID)
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		found, err := s.provider.FindCustomerByEmail(ctx, user.Email)
		if err != nil {
			if errors.Is(err, billing.ErrUnavailable) {
				log.Warn().Err(err).Str("user_id", user.ID).Msg("provider unreachable, trusting cached entitlement")
				return s.cachedResult(user), nil
			}
			return Result{}, fmt.Errorf("find customer by email: %w", err)
		}
		if found == "" {
			// No provider customer exists; the cached record is the truth.
			return s.cachedResult(user), nil
		}
		customerID = found
	}

	res, err := s.convergeCustomer(ctx, user, customerID)
	if err != nil {
		if errors.Is(err, billing.ErrUnavailable) {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("provider unreachable, trusting cached entitlement")
			return s.cachedResult(user), nil
		}
		return Result{}, err
	}
	return res, nil
}

func (s *Service) cachedResult(user *store.User) Result {
	return Result{
		Entitled:  user.Tier != "",
		Tier:      user.Tier,
		FromCache: true,
	}
}

func (s *Service) convergeCustomer(ctx context.Context, user *store.User, customerID string) (Result, error) {
	snaps, err := s.provider.SubscriptionsForCustomer(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch subscriptions: %w", err)
	}
	return s.convergeWith(user, customerID, snaps)
}

// convergeWith derives from the given snapshots and overwrites the cached
// record with the result. Stripe truth flows one way; the cached record is
// never an input to derivation.
func (s *Service) convergeWith(user *store.User, customerID string, snaps []entitlement.Snapshot) (Result, error) {
	dec := entitlement.Derive(snaps, s.now())

	if err := s.db.SetEntitlement(user.ID, customerID, dec.Tier); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	res := Result{Entitled: dec.Entitled, Tier: dec.Tier}
	if err := s.mirrorToShop(user.ID, dec.Tier); err != nil {
		// Not fatal: the user record holds the truth and the mirror is
		// repaired by the next pass.
		log.Warn().Err(err).Str("user_id", user.ID).Msg("shop mirror write failed")
		res.Warning = err
	}

	s.markAttempt(user.ID)
	return res, nil
}

func (s *Service) mirrorToShop(userID, tier string) error {
	shop, err := s.db.GetShopByUserID(userID)
	if err != nil {
		return fmt.Errorf("%w: lookup shop: %v", ErrPartialPersistence, err)
	}
	if shop == nil {
		return nil
	}
	if err := s.db.SetShopTier(shop.ID, tier); err != nil {
		return fmt.Errorf("%w: %v", ErrPartialPersistence, err)
	}
	return nil
}

// markAttempt records the convergence attempt for the grace-window read.
// Best-effort; a failure never fails the pass that just succeeded.
func (s *Service) markAttempt(userID string) {
	id := ulid.Make().String()
	if err := s.db.RecordSyncAttempt(userID, id, s.now()); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to record sync attempt")
	}
}

// awaitVisible re-reads the cached record until the just-written tier shows
// up, a bounded workaround for read-after-write lag. Exhausting the attempts
// is a named Pending outcome, not an error.
func (s *Service) awaitVisible(ctx context.Context, userID string, want Result) Result {
	for attempt := 0; attempt < s.cfg.PollAttempts; attempt++ {
		user, err := s.db.GetUser(userID)
		if err == nil && user != nil && user.Tier == want.Tier {
			return want
		}

		select {
		case <-ctx.Done():
			want.Pending = true
			return want
		case <-time.After(s.cfg.PollInterval):
		}
	}
	want.Pending = true
	return want
}
