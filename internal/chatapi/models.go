package chatapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"manifold/internal/store"
)

// modelsHandler implements GET /chat/models: the enabled subset of the
// AI model catalog, per §6.
func (a *API) modelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, r, "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := a.currentUserID(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		all, err := a.rel.ListModels(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("httpapi: list models")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		enabled := make([]store.AIModel, 0, len(all))
		for _, m := range all {
			if m.Enabled {
				enabled = append(enabled, m)
			}
		}
		writeJSON(w, http.StatusOK, enabled)
	}
}
