package chatapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"manifold/internal/ratelimit"
	"manifold/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// checkRateLimit applies the fixed-window limit of §6 and sets the
// X-RateLimit-* / Retry-After headers; returns false (and has already
// written a 429 response) when the request must be rejected.
func (a *API) checkRateLimit(w http.ResponseWriter, r *http.Request, userID int64) (bool, ratelimit.Result) {
	if a.limiter == nil {
		return true, ratelimit.Result{}
	}
	res, err := a.limiter.Allow(r.Context(), strconv.FormatInt(userID, 10))
	if err != nil {
		return true, res
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(res.ResetIn.Seconds())))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.ResetIn.Seconds())))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false, res
	}
	return true, res
}
