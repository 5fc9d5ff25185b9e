package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func int64Param(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}

// humanSince renders the time elapsed since t, e.g. "3 minutes". Zero times
// render empty.
func humanSince(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return units.HumanDuration(time.Since(t))
}

// humanUntil renders the time left until t; past times render empty.
func humanUntil(t time.Time) string {
	d := time.Until(t)
	if t.IsZero() || d <= 0 {
		return ""
	}
	return units.HumanDuration(d)
}
