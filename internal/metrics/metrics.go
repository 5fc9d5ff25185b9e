package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the connection core. All methods
// are safe to call on a nil *Recorder, which records nothing.
type Recorder struct {
	channelEvents        *prometheus.CounterVec
	activeChannels       *prometheus.GaugeVec
	setupTransitions     *prometheus.CounterVec
	attempts             *prometheus.CounterVec
	consistencyViolation prometheus.Counter
	listenersDropped     *prometheus.CounterVec
	healthChecks         *prometheus.CounterVec
	sshSetups            *prometheus.GaugeVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		channelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_channel_events_total",
			Help: "Channel lifecycle events grouped by transport, origin and event",
		}, []string{"transport", "origin", "event"}),
		activeChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodelink_channels_active",
			Help: "Number of established channels per transport",
		}, []string{"transport"}),
		setupTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_setup_transitions_total",
			Help: "Connection setup state transitions grouped by target state",
		}, []string{"kind", "state"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_connection_attempts_total",
			Help: "Connection attempts grouped by outcome and failure class",
		}, []string{"kind", "outcome", "class"}),
		consistencyViolation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodelink_consistency_violations_total",
			Help: "Remote-initiated channels that matched a connection setup",
		}),
		listenersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_listeners_dropped_total",
			Help: "Listeners dropped after a panicking callback, by dispatcher",
		}, []string{"dispatcher"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_health_checks_total",
			Help: "Channel health probes grouped by result",
		}, []string{"result"}),
		sshSetups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodelink_ssh_setups",
			Help: "SSH connection setups grouped by connected status",
		}, []string{"connected"}),
	}

	reg.MustRegister(
		r.channelEvents,
		r.activeChannels,
		r.setupTransitions,
		r.attempts,
		r.consistencyViolation,
		r.listenersDropped,
		r.healthChecks,
		r.sshSetups,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveChannel records an accepted channel transition.
func (r *Recorder) ObserveChannel(transportID string, remote, established bool) {
	if r == nil {
		return
	}
	origin := "self"
	if remote {
		origin = "remote"
	}
	event := "terminated"
	if established {
		event = "established"
		r.activeChannels.WithLabelValues(transportID).Inc()
	} else {
		r.activeChannels.WithLabelValues(transportID).Dec()
	}
	r.channelEvents.WithLabelValues(transportID, origin, event).Inc()
}

// ObserveSetupState counts a setup entering state. Kind is "network" or "ssh".
func (r *Recorder) ObserveSetupState(kind, state string) {
	if r == nil {
		return
	}
	r.setupTransitions.WithLabelValues(kind, state).Inc()
}

// ObserveAttempt counts a finished connection attempt. Class is empty on
// success.
func (r *Recorder) ObserveAttempt(kind string, err error, class string) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.attempts.WithLabelValues(kind, outcome, class).Inc()
}

// ObserveConsistencyViolation increments the violation counter.
func (r *Recorder) ObserveConsistencyViolation() {
	if r == nil {
		return
	}
	r.consistencyViolation.Inc()
}

// ObserveListenerDropped counts a listener removed by a dispatcher.
func (r *Recorder) ObserveListenerDropped(dispatcher string) {
	if r == nil {
		return
	}
	r.listenersDropped.WithLabelValues(dispatcher).Inc()
}

// ObserveHealthCheck counts a probe result ("ok", "failed", "broken").
func (r *Recorder) ObserveHealthCheck(result string) {
	if r == nil {
		return
	}
	r.healthChecks.WithLabelValues(result).Inc()
}

// SetSSHSetups publishes how many SSH setups are connected.
func (r *Recorder) SetSSHSetups(connected, disconnected int) {
	if r == nil {
		return
	}
	r.sshSetups.WithLabelValues("true").Set(float64(connected))
	r.sshSetups.WithLabelValues("false").Set(float64(disconnected))
}
