package store

import "time"

// User is the cached entitlement record for an authenticated identity. It is
// created at signup and only ever mutated by the convergence service; the
// billing provider remains the source of truth for Tier.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	StripeCustomerID string     `json:"stripe_customer_id,omitempty"` // empty until first convergence, then write-once
	Tier             string     `json:"tier,omitempty"`               // empty means no paid access
	LastSyncID       string     `json:"last_sync_id,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Shop is the per-organization mirror of a user's entitlement. Its Tier is a
// denormalized copy kept in step best-effort; it may lag the user record
// between convergence passes.
type Shop struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
