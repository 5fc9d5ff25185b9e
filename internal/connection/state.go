package connection

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a connection setup.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateWaitingToReconnect means a failed or lost connection will be
	// retried once the backoff delay expires.
	StateWaitingToReconnect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateWaitingToReconnect:
		return "WAITING_TO_RECONNECT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DisconnectReason explains why a setup lost or never got its channel.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	// ReasonActiveShutdown is a disconnect requested locally.
	ReasonActiveShutdown
	// ReasonError is a channel that broke down.
	ReasonError
	ReasonFailedToConnect
	ReasonFailedToAutoReconnect
	// ReasonRemoteShutdown is an orderly close by the remote node.
	ReasonRemoteShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonActiveShutdown:
		return "ACTIVE_SHUTDOWN"
	case ReasonError:
		return "ERROR"
	case ReasonFailedToConnect:
		return "FAILED_TO_CONNECT"
	case ReasonFailedToAutoReconnect:
		return "FAILED_TO_AUTO_RECONNECT"
	case ReasonRemoteShutdown:
		return "REMOTE_SHUTDOWN"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

func (r DisconnectReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// DisplayText is the user-facing wording of r.
func (r DisconnectReason) DisplayText() string {
	switch r {
	case ReasonActiveShutdown:
		return "closed by user"
	case ReasonError:
		return "connection error"
	case ReasonFailedToConnect:
		return "failed to connect"
	case ReasonFailedToAutoReconnect:
		return "failed to auto-reconnect"
	case ReasonRemoteShutdown:
		return "closed by remote node"
	default:
		return ""
	}
}

const (
	stateHistorySize = 50
	eventLogSize     = 100
)

// StateTransition records a single state change for the status API.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// EventType names a connection event kept in a setup's event log.
type EventType string

const (
	EventConnectRequested    EventType = "connect_requested"
	EventDisconnectRequested EventType = "disconnect_requested"
	EventConnected           EventType = "connected"
	EventAttemptFailed       EventType = "attempt_failed"
	EventRetryScheduled      EventType = "retry_scheduled"
	EventClosed              EventType = "closed"
	EventDisposed            EventType = "disposed"
)

// Event is one entry of a setup's event log.
type Event struct {
	SetupID   int64     `json:"setup_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}
