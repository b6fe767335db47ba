// Package entitlement derives paid-feature access from billing provider
// subscription snapshots. It is pure: no I/O, no clocks beyond the caller's
// injected now.
package entitlement

import "time"

// Known tiers. The provider may introduce others via price metadata; callers
// must not treat this list as closed.
const (
	TierStarter      = "starter"
	TierProfessional = "professional"
)

// professionalMinAmount is the unit-price floor (in minor units) above which
// a plan without identifying metadata maps to the professional tier.
// Anything below maps to starter.
const professionalMinAmount = 16000

// Item is a single subscription line item.
type Item struct {
	PriceID    string
	UnitAmount int64 // minor units
	Metadata   map[string]string
}

// Snapshot is a point-in-time read of one provider subscription.
type Snapshot struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	Created           time.Time
	Items             []Item
}

// Decision is the derived entitlement for a customer. An empty Tier means no
// paid access; callers must never substitute a default tier for it.
type Decision struct {
	Tier     string
	Entitled bool
}
