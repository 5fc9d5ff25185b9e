package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/logging"
)

// WhitelistSetting persists the broker's IP whitelist across restarts.
const WhitelistSetting = "ip_whitelist"

type filterResponse struct {
	Whitelist string `json:"whitelist"`
}

type filterUpdateRequest struct {
	Whitelist string `json:"whitelist"`
}

// GetFilter returns the IP whitelist the brokers accept connections from.
func GetFilter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, filterResponse{Whitelist: Filter.Raw()})
}

// UpdateFilter replaces the whitelist. Entries must be IP addresses or CIDR
// ranges; an empty list accepts every peer. Established channels are kept.
func UpdateFilter(w http.ResponseWriter, r *http.Request) {
	var body filterUpdateRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := Filter.Configure(body.Whitelist); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if database.DB != nil {
		if err := database.SetSetting(WhitelistSetting, Filter.Raw()); err != nil {
			Logger.Error("failed to persist ip whitelist", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to save whitelist")
			return
		}
	}
	Logger.Info("ip whitelist updated", zap.String("whitelist", logging.Sanitize(Filter.Raw())))
	writeJSON(w, http.StatusOK, filterResponse{Whitelist: Filter.Raw()})
}
