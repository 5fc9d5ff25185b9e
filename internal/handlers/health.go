package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/claworc/nodelink/internal/database"
	"github.com/gluk-w/claworc/nodelink/internal/healthcheck"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"node_id":  NodeID,
		"database": dbStatus,
	}
	if Channels != nil {
		resp["channels"] = len(Channels.ActiveChannels())
	}
	if Health != nil {
		last, at := Health.Last()
		if !at.IsZero() {
			resp["last_check"] = struct {
				healthcheck.Result
				At  time.Time `json:"at"`
				Ago string    `json:"ago"`
			}{last, at, humanSince(at)}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
