package connection

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/failure"
	"github.com/gluk-w/claworc/nodelink/internal/history"
)

// Setup is a named, durable intent to keep a channel open to one contact
// point. It owns at most one self-initiated channel at a time and drives
// (re)connection attempts on the registry's worker pool.
//
// All transitions happen under the setup's lock; listener callbacks are
// enqueued while holding it so every listener sees one setup's events in
// transition order.
type Setup struct {
	id               int64
	name             string
	contact          channel.ContactPoint
	connectOnStartup bool
	policy           RetryPolicy
	reg              *Registry
	logger           *zap.Logger

	// ctx is cancelled on dispose and parents every attempt and retry wait.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	intended      bool
	disposed      bool
	current       *channel.Channel
	lastChannelID string
	closing       *channel.Channel
	lastReason    DisconnectReason
	lastError     string
	failures      int
	autoRetry     bool // whether the running attempt is an automatic retry
	attemptID     uint64
	cancelAttempt context.CancelFunc
	retryID       uint64
	cancelRetry   context.CancelFunc
	retryAt       time.Time

	transitions *history.Ring[StateTransition]
	events      *history.Ring[Event]
}

func newSetup(reg *Registry, id int64, cp channel.ContactPoint, name string, connectOnStartup bool, policy RetryPolicy) *Setup {
	ctx, cancel := context.WithCancel(context.Background())
	return &Setup{
		id:               id,
		name:             name,
		contact:          cp,
		connectOnStartup: connectOnStartup,
		policy:           policy,
		reg:              reg,
		logger:           reg.logger.With(zap.Int64("setup", id), zap.String("name", name)),
		ctx:              ctx,
		cancel:           cancel,
		transitions:      history.NewRing[StateTransition](stateHistorySize),
		events:           history.NewRing[Event](eventLogSize),
	}
}

func (s *Setup) ID() int64 { return s.id }

func (s *Setup) Name() string { return s.name }

func (s *Setup) ContactPoint() channel.ContactPoint { return s.contact }

func (s *Setup) ConnectOnStartup() bool { return s.connectOnStartup }

func (s *Setup) RetryPolicy() RetryPolicy { return s.policy }

// Definition renders the contact point and retry policy in the form
// CreateSetupFromDefinition accepts.
func (s *Setup) Definition() string {
	return channel.FormatDefinition(s.contact, s.policy.Attributes())
}

func (s *Setup) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentChannelID is the id of the live channel, or "" when not connected.
func (s *Setup) CurrentChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.ID()
}

// LastChannelID is the id of the most recent channel this setup
// established. Unlike CurrentChannelID it survives the disconnect.
func (s *Setup) LastChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChannelID
}

func (s *Setup) DisconnectReason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// LastError is the classified reason of the most recent failed attempt.
func (s *Setup) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Setup) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Setup) WaitingForRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateWaitingToReconnect
}

// NextRetry is when the pending automatic retry fires, or the zero time.
func (s *Setup) NextRetry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaitingToReconnect {
		return time.Time{}
	}
	return s.retryAt
}

func (s *Setup) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// StateHistory returns recent transitions, oldest first.
func (s *Setup) StateHistory() []StateTransition { return s.transitions.History() }

// Events returns the recent event log, oldest first.
func (s *Setup) Events() []Event { return s.events.History() }

func (s *Setup) String() string {
	return fmt.Sprintf("%q (#%d, %s)", s.name, s.id, s.contact)
}

// Connect signals the intent to be connected. It is a no-op returning the
// current state while an attempt runs or a channel is live. A pending
// automatic retry is cancelled in favour of an immediate attempt.
func (s *Setup) Connect() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return s.state
	}
	s.intended = true
	switch s.state {
	case StateConnecting, StateConnected:
		s.logger.Debug("ignoring connect request", zap.Stringer("state", s.state))
		return s.state
	case StateWaitingToReconnect:
		s.stopRetryLocked()
	}
	s.recordLocked(EventConnectRequested, "")
	s.startAttemptLocked(false)
	return s.state
}

// Disconnect withdraws the intent to be connected, closing the live channel
// or abandoning the running attempt or pending retry.
func (s *Setup) Disconnect() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return s.state
	}
	s.intended = false
	s.recordLocked(EventDisconnectRequested, "")
	s.stopLocked("disconnect requested")
	return s.state
}

// dispose stops the setup for good. Any late attempt result is discarded and
// its channel closed.
func (s *Setup) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.intended = false
	s.stopLocked("disposed")
	s.disposed = true
	s.cancel()
	s.recordLocked(EventDisposed, "")
}

func (s *Setup) stopLocked(reason string) {
	switch s.state {
	case StateConnected:
		s.lastReason = ReasonActiveShutdown
		s.closing = s.current
		s.current = nil
		s.closeAsync(s.closing, "disconnect")
	case StateConnecting:
		// Invalidate the running attempt; its result will be discarded.
		s.attemptID++
		s.stopAttemptLocked()
	case StateWaitingToReconnect:
		s.lastReason = ReasonActiveShutdown
		s.stopRetryLocked()
	}
	s.failures = 0
	s.setStateLocked(StateDisconnected, reason)
}

func (s *Setup) startAttemptLocked(autoRetry bool) {
	s.autoRetry = autoRetry
	if !autoRetry {
		s.failures = 0
	}
	s.attemptID++
	id := s.attemptID
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelAttempt = cancel
	if s.current != nil {
		s.logger.Error("setup still had a channel when starting an attempt", zap.String("channel", s.current.ID()))
		s.current = nil
	}
	s.lastReason = ReasonNone
	s.setStateLocked(StateConnecting, "")

	if err := s.reg.pool.Submit("connect "+s.name, func() { s.runAttempt(ctx, id) }); err != nil {
		s.logger.Error("cannot schedule connection attempt", zap.Error(err))
		s.stopAttemptLocked()
		s.failures++
		s.lastReason = ReasonFailedToConnect
		s.lastError = err.Error()
		first := s.failures == 1
		msg := err.Error()
		s.reg.listeners.EnqueueCallback(func(l Listener) {
			l.OnConnectionAttemptFailed(s, msg, first, false)
		})
		s.setStateLocked(StateDisconnected, msg)
	}
}

func (s *Setup) runAttempt(ctx context.Context, id uint64) {
	if err := s.reg.limiter.Allow(s.limiterKey()); err != nil {
		s.attemptFinished(id, nil, err)
		return
	}
	ch, err := s.reg.connector.Connect(ctx, s.contact)
	if err == nil {
		s.reg.limiter.RecordSuccess(s.limiterKey())
	} else {
		s.reg.limiter.RecordFailure(s.limiterKey())
	}
	s.attemptFinished(id, ch, err)
}

func (s *Setup) attemptFinished(id uint64, ch *channel.Channel, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != s.attemptID || s.state != StateConnecting {
		s.logger.Debug("discarding result of outdated connection attempt",
			zap.Uint64("attempt", id), zap.Uint64("current", s.attemptID))
		if ch != nil {
			s.closeAsync(ch, "outdated attempt")
		}
		return
	}
	s.stopAttemptLocked()

	if err != nil {
		s.attemptFailedLocked(err)
		return
	}

	s.reg.metrics.ObserveAttempt(metricsKind, nil, "")
	s.current = ch
	s.lastChannelID = ch.ID()
	s.lastError = ""
	if s.failures == 0 {
		s.logger.Info("network connection established", zap.String("channel", ch.ID()))
	} else {
		s.logger.Info("network connection established after failed attempts",
			zap.String("channel", ch.ID()), zap.Int("failures", s.failures))
	}
	s.recordLocked(EventConnected, ch.ID())
	s.setStateLocked(StateConnected, "")
}

func (s *Setup) attemptFailedLocked(err error) {
	fe := failure.Classify(err)
	s.reg.metrics.ObserveAttempt(metricsKind, err, fe.Class.String())
	s.failures++
	first := s.failures == 1
	willRetry := s.policy.Enabled && s.intended && !s.disposed && fe.Class.PermitsRetry()
	if s.autoRetry {
		s.lastReason = ReasonFailedToAutoReconnect
	} else {
		s.lastReason = ReasonFailedToConnect
	}
	reason := fe.Error()
	s.lastError = reason

	fields := []zap.Field{
		zap.Stringer("contact", s.contact),
		zap.Stringer("class", fe.Class),
		zap.String("reason", reason),
		zap.Int("failures", s.failures),
		zap.Bool("will_retry", willRetry),
	}
	if s.autoRetry {
		s.logger.Info("failed to auto-reconnect", fields...)
	} else {
		s.logger.Warn("failed to connect", fields...)
	}
	s.recordLocked(EventAttemptFailed, reason)
	s.reg.listeners.EnqueueCallback(func(l Listener) {
		l.OnConnectionAttemptFailed(s, reason, first, willRetry)
	})

	if willRetry {
		s.waitToReconnectLocked(reason)
		return
	}
	s.setStateLocked(StateDisconnected, reason)
}

// channelTerminated handles the termination of a channel that the registry
// matched to this setup.
func (s *Setup) channelTerminated(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing != nil && s.closing.ID() == ch.ID() {
		s.closing = nil
		s.recordLocked(EventClosed, ReasonActiveShutdown.DisplayText())
		s.reg.listeners.EnqueueCallback(func(l Listener) {
			l.OnConnectionClosed(s, ReasonActiveShutdown, false)
		})
		return
	}
	if s.current == nil || s.current.ID() != ch.ID() {
		s.logger.Debug("ignoring termination of a channel that is not current", zap.String("channel", ch.ID()))
		return
	}

	var reason DisconnectReason
	switch {
	case ch.State() == channel.StateMarkedAsBroken:
		reason = ReasonError
	case ch.ClosedByRemote():
		reason = ReasonRemoteShutdown
	default:
		reason = ReasonActiveShutdown
	}
	willRetry := reason != ReasonActiveShutdown && s.policy.Enabled && s.intended && !s.disposed
	s.lastReason = reason
	s.current = nil

	s.logger.Info("network connection closed",
		zap.String("channel", ch.ID()),
		zap.Stringer("reason", reason),
		zap.Bool("will_retry", willRetry))
	s.recordLocked(EventClosed, reason.DisplayText())
	s.reg.listeners.EnqueueCallback(func(l Listener) {
		l.OnConnectionClosed(s, reason, willRetry)
	})

	if willRetry {
		// The breakdown counts as the first failure so the first reconnect
		// attempt does not repeat the error to the user.
		s.failures = 1
		s.waitToReconnectLocked(reason.DisplayText())
		return
	}
	s.setStateLocked(StateDisconnected, reason.DisplayText())
}

func (s *Setup) waitToReconnectLocked(reason string) {
	delay := s.policy.Delay(s.failures)
	s.retryID++
	id := s.retryID
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelRetry = cancel
	s.retryAt = time.Now().Add(delay)

	s.logger.Debug("scheduling auto-retry",
		zap.Duration("delay", delay),
		zap.Int("failures", s.failures),
		zap.Float64("multiplier", s.policy.Multiplier),
		zap.Duration("maximum", s.policy.MaximumDelay))
	s.recordLocked(EventRetryScheduled, fmt.Sprintf("in %s", delay))
	s.setStateLocked(StateWaitingToReconnect, reason)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.retryDelayExpired(id)
	}()
}

func (s *Setup) retryDelayExpired(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.state != StateWaitingToReconnect || id != s.retryID {
		return
	}
	s.cancelRetry = nil
	s.logger.Debug("reconnect delay expired, retrying")
	s.startAttemptLocked(true)
}

func (s *Setup) stopAttemptLocked() {
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
}

func (s *Setup) stopRetryLocked() {
	s.retryID++
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
}

func (s *Setup) closeAsync(ch *channel.Channel, why string) {
	err := s.reg.pool.Submit("close "+ch.ID(), func() {
		if err := s.reg.connector.Close(ch); err != nil {
			s.logger.Warn("failed to close channel", zap.String("channel", ch.ID()), zap.String("why", why), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Warn("cannot schedule channel close", zap.String("channel", ch.ID()), zap.Error(err))
	}
}

func (s *Setup) setStateLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.transitions.Record(StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason})
	s.reg.metrics.ObserveSetupState(metricsKind, to.String())
	s.logger.Debug("setup state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.reg.listeners.EnqueueCallback(func(l Listener) {
		l.OnStateChanged(s, from, to)
	})
}

func (s *Setup) recordLocked(t EventType, details string) {
	s.events.Record(Event{SetupID: s.id, Type: t, Timestamp: time.Now(), Details: details})
}

func (s *Setup) limiterKey() string {
	return "setup-" + strconv.FormatInt(s.id, 10)
}
