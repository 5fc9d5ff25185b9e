package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/config"
	"github.com/gluk-w/claworc/nodelink/internal/connection"
	"github.com/gluk-w/claworc/nodelink/internal/filter"
	"github.com/gluk-w/claworc/nodelink/internal/healthcheck"
	"github.com/gluk-w/claworc/nodelink/internal/metrics"
	"github.com/gluk-w/claworc/nodelink/internal/middleware"
	"github.com/gluk-w/claworc/nodelink/internal/sshsetup"
	"github.com/gluk-w/claworc/nodelink/internal/transport"
)

// Set by main before the router serves requests.
var (
	NodeID      string
	Logger      = zap.NewNop()
	Connections *connection.Registry
	SSH         *sshsetup.Service
	Channels    *channel.Registry
	Transports  *transport.Service
	Filter      *filter.Filter
	Health      *healthcheck.Checker
	Metrics     *prometheus.Registry
)

func Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)
	if Metrics != nil {
		r.Handle("/metrics", metrics.Handler(Metrics))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(config.Cfg.APIToken))

		r.Get("/connections", ListConnections)
		r.Post("/connections", CreateConnection)
		r.Get("/connections/{id}", GetConnection)
		r.Delete("/connections/{id}", DeleteConnection)
		r.Post("/connections/{id}/connect", ConnectConnection)
		r.Post("/connections/{id}/disconnect", DisconnectConnection)
		r.Get("/connections/{id}/events", GetConnectionEvents)

		r.Get("/ssh", ListSSH)
		r.Post("/ssh", CreateSSH)
		r.Get("/ssh/{id}", GetSSH)
		r.Put("/ssh/{id}", UpdateSSH)
		r.Delete("/ssh/{id}", DeleteSSH)
		r.Post("/ssh/{id}/connect", ConnectSSH)
		r.Post("/ssh/{id}/disconnect", DisconnectSSH)
		r.Put("/ssh/{id}/passphrase", SetSSHPassphrase)
		r.Get("/ssh/{id}/events", GetSSHEvents)

		r.Get("/channels", ListChannels)
		r.Post("/channels/{id}/ping", PingChannel)

		r.Get("/filter", GetFilter)
		r.Put("/filter", UpdateFilter)

		r.Get("/logs", GetServerLogs)
		r.Post("/logs/rotate", RotateServerLogs)
	})
	return r
}
