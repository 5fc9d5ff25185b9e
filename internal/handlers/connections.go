package handlers

import (
	"errors"
	"net/http"

	"github.com/gluk-w/claworc/nodelink/internal/connection"
	"github.com/gluk-w/claworc/nodelink/internal/logging"
	"go.uber.org/zap"
)

type connectionView struct {
	ID               int64                       `json:"id"`
	Name             string                      `json:"name"`
	Definition       string                      `json:"definition"`
	ConnectOnStartup bool                        `json:"connect_on_startup"`
	State            connection.State            `json:"state"`
	Reason           connection.DisconnectReason `json:"reason"`
	ReasonText       string                      `json:"reason_text,omitempty"`
	LastError        string                      `json:"last_error,omitempty"`
	Failures         int                         `json:"consecutive_failures"`
	NextRetryIn      string                      `json:"next_retry_in,omitempty"`
	ChannelID        string                      `json:"channel_id,omitempty"`
	RetryPolicy      connection.RetryPolicy      `json:"retry_policy"`
}

func viewConnection(s *connection.Setup) connectionView {
	reason := s.DisconnectReason()
	return connectionView{
		ID:               s.ID(),
		Name:             s.Name(),
		Definition:       s.Definition(),
		ConnectOnStartup: s.ConnectOnStartup(),
		State:            s.State(),
		Reason:           reason,
		ReasonText:       reason.DisplayText(),
		LastError:        s.LastError(),
		Failures:         s.ConsecutiveFailures(),
		NextRetryIn:      humanUntil(s.NextRetry()),
		ChannelID:        s.CurrentChannelID(),
		RetryPolicy:      s.RetryPolicy(),
	}
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	setups := Connections.Setups()
	out := make([]connectionView, len(setups))
	for i, s := range setups {
		out[i] = viewConnection(s)
	}
	writeJSON(w, http.StatusOK, out)
}

type createConnectionRequest struct {
	Name             string `json:"name"`
	Definition       string `json:"definition"`
	ConnectOnStartup bool   `json:"connect_on_startup"`
	Connect          bool   `json:"connect"`
}

func CreateConnection(w http.ResponseWriter, r *http.Request) {
	var body createConnectionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Definition == "" {
		writeError(w, http.StatusBadRequest, "Definition is required")
		return
	}
	s, err := Connections.CreateSetupFromDefinition(body.Definition, body.Name, body.ConnectOnStartup)
	if errors.Is(err, connection.ErrSetupExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	Logger.Info("connection created via api", zap.String("definition", logging.Sanitize(body.Definition)))
	if body.Connect {
		s.Connect()
	}
	writeJSON(w, http.StatusCreated, viewConnection(s))
}

func lookupConnection(w http.ResponseWriter, r *http.Request) (*connection.Setup, bool) {
	id, ok := int64Param(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid connection ID")
		return nil, false
	}
	s, ok := Connections.SetupByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return nil, false
	}
	return s, true
}

func GetConnection(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupConnection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewConnection(s))
}

func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupConnection(w, r)
	if !ok {
		return
	}
	if err := Connections.DisposeSetup(s); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ConnectConnection(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupConnection(w, r)
	if !ok {
		return
	}
	s.Connect()
	writeJSON(w, http.StatusAccepted, viewConnection(s))
}

func DisconnectConnection(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupConnection(w, r)
	if !ok {
		return
	}
	s.Disconnect()
	writeJSON(w, http.StatusOK, viewConnection(s))
}

func GetConnectionEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupConnection(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      s.Events(),
		"transitions": s.StateHistory(),
	})
}
