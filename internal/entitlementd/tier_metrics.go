package entitlementd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harborline/entitlementd/internal/entitlementd/edmetrics"
	"github.com/harborline/entitlementd/internal/store"
)

const tierMetricsInterval = 60 * time.Second

func runTierMetrics(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(tierMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateTierGauges(st)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTierGauges(st)
		}
	}
}

func updateTierGauges(st *store.Store) {
	counts, err := st.CountByTier()
	if err != nil {
		log.Error().Err(err).Msg("Failed to update tier metrics")
		return
	}

	// Stable label set for the known tiers; dynamic tiers from price
	// metadata show up as reported.
	for _, tier := range []string{"", "starter", "professional"} {
		label := tier
		if label == "" {
			label = "none"
		}
		edmetrics.UsersByTier.WithLabelValues(label).Set(float64(counts[tier]))
		delete(counts, tier)
	}
	for tier, c := range counts {
		edmetrics.UsersByTier.WithLabelValues(tier).Set(float64(c))
	}
}
