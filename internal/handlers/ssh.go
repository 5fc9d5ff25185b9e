package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
)

type sshView struct {
	sshsetup.Status
	ConnectedFor string `json:"connected_for,omitempty"`
	NextRetryIn  string `json:"next_retry_in,omitempty"`
}

func viewSSH(s *sshsetup.Setup) sshView {
	st := s.Status()
	v := sshView{Status: st, NextRetryIn: humanUntil(st.NextRetry)}
	if st.Connected {
		v.ConnectedFor = humanSince(st.ConnectedAt)
	}
	return v
}

// ListSSH probes liveness of every setup, which reports dead connections.
func ListSSH(w http.ResponseWriter, r *http.Request) {
	setups := SSH.Setups()
	out := make([]sshView, len(setups))
	for i, s := range setups {
		s.IsConnected()
		out[i] = viewSSH(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func CreateSSH(w http.ResponseWriter, r *http.Request) {
	var p sshsetup.Params
	if !decodeJSON(w, r, &p) {
		return
	}
	s, err := SSH.AddSetup(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewSSH(s))
}

func lookupSSH(w http.ResponseWriter, r *http.Request) (*sshsetup.Setup, bool) {
	s, ok := SSH.Setup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "SSH connection not found")
		return nil, false
	}
	return s, true
}

func GetSSH(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSSH(w, r)
	if !ok {
		return
	}
	s.IsConnected()
	writeJSON(w, http.StatusOK, viewSSH(s))
}

func UpdateSSH(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSSH(w, r)
	if !ok {
		return
	}
	var p sshsetup.Params
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := SSH.EditSetup(s.ID(), p); err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSSH(s))
}

func DeleteSSH(w http.ResponseWriter, r *http.Request) {
	if err := SSH.DisposeSetup(chi.URLParam(r, "id")); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sshConnectRequest struct {
	Passphrase string `json:"passphrase"`
}

// ConnectSSH uses the passphrase from the body when given, the stored one
// otherwise.
func ConnectSSH(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSSH(w, r)
	if !ok {
		return
	}
	var body sshConnectRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	var err error
	if body.Passphrase != "" {
		err = SSH.ConnectWithPassphrase(s.ID(), []byte(body.Passphrase))
	} else {
		err = SSH.Connect(s.ID())
	}
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewSSH(s))
}

func DisconnectSSH(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSSH(w, r)
	if !ok {
		return
	}
	if err := SSH.Disconnect(s.ID()); err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSSH(s))
}

type sshPassphraseRequest struct {
	Passphrase string `json:"passphrase"`
	Store      bool   `json:"store"`
}

func SetSSHPassphrase(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSSH(w, r)
	if !ok {
		return
	}
	var body sshPassphraseRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Store && body.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "Passphrase is required")
		return
	}
	if err := SSH.SetPassphrase(s.ID(), []byte(body.Passphrase), body.Store); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func GetSSHEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := lookupSSH(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.Events()})
}

func writeSSHError(w http.ResponseWriter, err error) {
	if errors.Is(err, sshsetup.ErrSetupNotFound) {
		writeError(w, http.StatusNotFound, "SSH connection not found")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
