package entitlementd

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/harborline/entitlementd/internal/store"
)

// HandleHealthz is a liveness probe.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz is a readiness probe checking datastore connectivity.
func HandleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			log.Error().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type statusResponse struct {
	Version     string         `json:"version"`
	UsersByTier map[string]int `json:"users_by_tier"`
}

// HandleStatus reports a coarse service summary.
func HandleStatus(st *store.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := st.CountByTier()
		if err != nil {
			log.Error().Err(err).Msg("Status summary failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if none, ok := counts[""]; ok {
			delete(counts, "")
			counts["none"] = none
		}
		writeJSON(w, http.StatusOK, statusResponse{Version: version, UsersByTier: counts})
	}
}
