package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
)

const pingTimeout = 5 * time.Second

type channelView struct {
	ID                string        `json:"id"`
	Transport         string        `json:"transport"`
	Contact           string        `json:"contact"`
	State             channel.State `json:"-"`
	StateName         string        `json:"state"`
	InitiatedByRemote bool          `json:"initiated_by_remote"`
	RemoteNodeID      string        `json:"remote_node_id,omitempty"`
	EstablishedAt     time.Time     `json:"established_at"`
	Uptime            string        `json:"uptime,omitempty"`
}

func viewChannel(ch *channel.Channel) channelView {
	at := ch.EstablishedAt()
	st := ch.State()
	return channelView{
		ID:                ch.ID(),
		Transport:         ch.TransportID(),
		Contact:           ch.ContactPoint().String(),
		State:             st,
		StateName:         st.String(),
		InitiatedByRemote: ch.InitiatedByRemote(),
		RemoteNodeID:      ch.RemoteNodeID(),
		EstablishedAt:     at,
		Uptime:            humanSince(at),
	}
}

func ListChannels(w http.ResponseWriter, r *http.Request) {
	chs := Channels.ActiveChannels()
	out := make([]channelView, len(chs))
	for i, ch := range chs {
		out[i] = viewChannel(ch)
	}
	writeJSON(w, http.StatusOK, out)
}

// PingChannel measures the round trip over a live channel.
func PingChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := Channels.Channel(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	rtt, err := Transports.Ping(ctx, ch)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": ch.ID(),
		"rtt_ms":  float64(rtt.Microseconds()) / 1000,
	})
}
