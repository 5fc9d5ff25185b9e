// Package connection manages connection setups: named intents to keep a
// channel open to a remote contact point, reconnecting automatically when
// the retry policy allows it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/callback"
	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/metrics"
	"github.com/gluk-w/claworc/nodelink/internal/ratelimit"
	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

const metricsKind = "network"

var (
	ErrSetupExists   = errors.New("a connection setup for this host and port already exists")
	ErrSetupNotFound = errors.New("connection setup not found")
)

// Connector opens and closes self-initiated channels.
type Connector interface {
	Connect(ctx context.Context, cp channel.ContactPoint) (*channel.Channel, error)
	Close(ch *channel.Channel) error
}

type Option func(*Registry)

// WithRateLimiter guards connection attempts per setup.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry holds every connection setup and matches channel terminations
// reported by the channel lifecycle registry back to their setup.
type Registry struct {
	connector Connector
	pool      *workerpool.Pool
	logger    *zap.Logger
	limiter   *ratelimit.Limiter
	metrics   *metrics.Recorder
	listeners *callback.Dispatcher[Listener]

	mu     sync.Mutex
	nextID int64
	setups map[int64]*Setup
}

var _ channel.LifecycleListener = (*Registry)(nil)

func NewRegistry(connector Connector, pool *workerpool.Pool, policy callback.ExceptionPolicy, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		connector: connector,
		pool:      pool,
		logger:    logger,
		listeners: callback.New[Listener]("connection-setups", pool, policy, logger),
		setups:    make(map[int64]*Setup),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.listeners.OnDrop(r.metrics.ObserveListenerDropped)
	return r
}

// CreateSetup registers a new setup for cp. Auto-retry stays disabled unless
// a policy is passed with WithRetryPolicy.
func (r *Registry) CreateSetup(cp channel.ContactPoint, name string, connectOnStartup bool, opts ...SetupOption) (*Setup, error) {
	cfg := setupConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if name == "" {
		name = cp.Address()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.setups {
		if existing.contact.SameEndpoint(cp) {
			return nil, fmt.Errorf("create setup %q for %s: %w", name, cp.Address(), ErrSetupExists)
		}
	}
	r.nextID++
	s := newSetup(r, r.nextID, cp, name, connectOnStartup, cfg.policy)
	r.setups[s.id] = s

	snapshot := r.snapshotLocked()
	r.listeners.EnqueueCallback(func(l Listener) { l.OnCollectionChanged(snapshot) })
	r.listeners.EnqueueCallback(func(l Listener) { l.OnCreated(s) })
	r.logger.Info("connection setup created",
		zap.Int64("setup", s.id),
		zap.String("name", name),
		zap.Stringer("contact", cp),
		zap.Bool("auto_retry", cfg.policy.Enabled))
	return s, nil
}

// CreateSetupFromDefinition parses a contact point definition such as
// "tcp:host:21000(autoRetryInitialDelay=10)" and creates a setup with the
// retry policy its attributes describe.
func (r *Registry) CreateSetupFromDefinition(def, name string, connectOnStartup bool) (*Setup, error) {
	cp, attrs, err := channel.ParseDefinition(def)
	if err != nil {
		return nil, err
	}
	policy, warnings, err := PolicyFromAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", def, err)
	}
	for _, w := range warnings {
		r.logger.Warn("adjusted auto-retry settings", zap.String("definition", def), zap.String("detail", w))
	}
	return r.CreateSetup(cp, name, connectOnStartup, WithRetryPolicy(policy))
}

// DisposeSetup stops s, aborting any retry wait, and removes it.
func (r *Registry) DisposeSetup(s *Setup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setups[s.id] != s {
		return fmt.Errorf("dispose setup %d: %w", s.id, ErrSetupNotFound)
	}
	s.dispose()
	delete(r.setups, s.id)

	snapshot := r.snapshotLocked()
	r.listeners.EnqueueCallback(func(l Listener) { l.OnDisposed(s) })
	r.listeners.EnqueueCallback(func(l Listener) { l.OnCollectionChanged(snapshot) })
	r.limiter.Reset(s.limiterKey())
	r.logger.Info("connection setup disposed", zap.Int64("setup", s.id), zap.String("name", s.name))
	return nil
}

// Setups returns a snapshot of all setups ordered by id.
func (r *Registry) Setups() []*Setup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) SetupByID(id int64) (*Setup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.setups[id]
	return s, ok
}

// ConnectOnStartup signals connect intent for every setup flagged so.
func (r *Registry) ConnectOnStartup() int {
	n := 0
	for _, s := range r.Setups() {
		if s.connectOnStartup {
			s.Connect()
			n++
		}
	}
	return n
}

func (r *Registry) AddListener(l Listener) { r.listeners.AddListener(l) }

func (r *Registry) RemoveListener(l Listener) { r.listeners.RemoveListener(l) }

// SetInitialChannels is part of channel.LifecycleListener. Setups only
// track channels they opened themselves, so there is nothing to adopt.
func (r *Registry) SetInitialChannels(channels []*channel.Channel) {
	r.logger.Debug("initial channels received", zap.Int("count", len(channels)))
}

func (r *Registry) OnChannelEstablished(ch *channel.Channel) {}

// OnChannelTerminated routes a terminated channel to the setup that
// established it.
func (r *Registry) OnChannelTerminated(ch *channel.Channel) {
	var match *Setup
	for _, s := range r.Setups() {
		if s.LastChannelID() == ch.ID() {
			match = s
			break
		}
	}

	if ch.InitiatedByRemote() {
		if match != nil {
			r.metrics.ObserveConsistencyViolation()
			r.logger.Error("remote-initiated channel matched a connection setup",
				zap.String("channel", ch.ID()),
				zap.Int64("setup", match.id),
				zap.Stack("stack"))
		}
		return
	}
	if match == nil {
		// The setup may have been disposed concurrently, or the channel
		// terminated before its attempt result was recorded.
		r.logger.Warn("no connection setup found for terminated channel",
			zap.String("channel", ch.ID()),
			zap.Stringer("contact", ch.ContactPoint()))
		return
	}
	match.channelTerminated(ch)
}

func (r *Registry) snapshotLocked() []*Setup {
	out := make([]*Setup, 0, len(r.setups))
	for _, s := range r.setups {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

type setupConfig struct {
	policy RetryPolicy
}

// SetupOption customises a setup at creation.
type SetupOption func(*setupConfig)

// WithRetryPolicy sets the automatic reconnection policy.
func WithRetryPolicy(p RetryPolicy) SetupOption {
	return func(c *setupConfig) { c.policy = p }
}
