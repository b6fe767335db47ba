package entitlement

import (
	"strings"
	"time"
)

type bucket int

const (
	notEntitled bucket = iota
	entitledNow
	entitledGrace
)

// Select picks the subscription that determines entitlement when a customer
// has more than one. Live subscriptions win; otherwise the most recently
// created one is surfaced so an already-paid period can still grant grace.
// Ties rely on the provider returning subscriptions newest-first.
func Select(snaps []Snapshot) *Snapshot {
	for i := range snaps {
		switch normalizeStatus(snaps[i].Status) {
		case "active", "trialing":
			return &snaps[i]
		}
	}
	var newest *Snapshot
	for i := range snaps {
		if newest == nil || snaps[i].Created.After(newest.Created) {
			newest = &snaps[i]
		}
	}
	return newest
}

// Derive maps a customer's subscription snapshots to an entitlement
// decision. It is deterministic for a fixed input and now.
func Derive(snaps []Snapshot, now time.Time) Decision {
	snap := Select(snaps)
	if snap == nil {
		return Decision{}
	}
	switch classify(snap, now) {
	case entitledNow, entitledGrace:
		return Decision{Tier: candidateTier(snap), Entitled: true}
	default:
		return Decision{}
	}
}

// classify buckets a subscription's status. Unknown statuses fail closed.
func classify(s *Snapshot, now time.Time) bucket {
	switch normalizeStatus(s.Status) {
	case "active", "trialing":
		// Includes active subscriptions with cancel_at_period_end set; they
		// stay entitled until the period actually ends.
		return entitledNow
	case "past_due":
		return entitledGrace
	case "canceled", "unpaid", "incomplete_expired":
		if s.CurrentPeriodEnd.After(now) {
			return entitledGrace
		}
		return notEntitled
	default:
		return notEntitled
	}
}

// candidateTier resolves the tier from the first line item: plan_type
// metadata wins, then plan, then the unit-price threshold.
func candidateTier(s *Snapshot) string {
	if len(s.Items) == 0 {
		return TierStarter
	}
	item := s.Items[0]
	if v := strings.TrimSpace(item.Metadata["plan_type"]); v != "" {
		return v
	}
	if v := strings.TrimSpace(item.Metadata["plan"]); v != "" {
		return v
	}
	if item.UnitAmount >= professionalMinAmount {
		return TierProfessional
	}
	return TierStarter
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
