// Package channel models logical connections between nodes and fans their
// lifecycle events out to interested listeners.
package channel

import (
	"fmt"
	"sync"
	"time"
)

// State of a message channel. Broken and Closed are terminal.
type State int

const (
	StateConnecting State = iota
	StateEstablished
	StateMarkedAsBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateMarkedAsBroken:
		return "MARKED_AS_BROKEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateMarkedAsBroken || s == StateClosed
}

// Channel is one logical connection. It is created by a transport and only
// that transport changes its state; everyone else observes it.
type Channel struct {
	id                string
	initiatedByRemote bool
	transportID       string
	contact           ContactPoint

	mu             sync.RWMutex
	state          State
	remoteNodeID   string
	closedByRemote bool
	establishedAt  time.Time
}

// New creates a channel in the CONNECTING state.
func New(transportID string, contact ContactPoint, initiatedByRemote bool) *Channel {
	return &Channel{
		id:                NewChannelID(initiatedByRemote),
		initiatedByRemote: initiatedByRemote,
		transportID:       transportID,
		contact:           contact,
		state:             StateConnecting,
	}
}

func (c *Channel) ID() string { return c.id }

// InitiatedByRemote is fixed at creation.
func (c *Channel) InitiatedByRemote() bool { return c.initiatedByRemote }

func (c *Channel) TransportID() string { return c.transportID }

func (c *Channel) ContactPoint() ContactPoint { return c.contact }

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RemoteNodeID is the node id the peer announced during the handshake.
func (c *Channel) RemoteNodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteNodeID
}

// ClosedByRemote reports whether the channel was closed because the peer
// announced its shutdown.
func (c *Channel) ClosedByRemote() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedByRemote
}

// EstablishedAt is zero until the handshake completed.
func (c *Channel) EstablishedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.establishedAt
}

// MarkEstablished moves CONNECTING to ESTABLISHED and records the peer's
// node id. It returns false if the channel was not connecting.
func (c *Channel) MarkEstablished(remoteNodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.state = StateEstablished
	c.remoteNodeID = remoteNodeID
	c.establishedAt = time.Now()
	return true
}

// MarkAsBroken moves a live channel to MARKED_AS_BROKEN. Only the first call
// returns true.
func (c *Channel) MarkAsBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = StateMarkedAsBroken
	return true
}

// MarkClosed moves a live channel to CLOSED. Only the first call returns true.
func (c *Channel) MarkClosed(byRemote bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = StateClosed
	c.closedByRemote = byRemote
	return true
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s[%s %s]", c.id, c.contact, c.State())
}
