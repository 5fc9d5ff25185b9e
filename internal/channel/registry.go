package channel

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/callback"
	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

const maxRememberedTerminations = 1024

// LifecycleListener observes channel establishment and termination.
// SetInitialChannels is always the first call a listener receives.
type LifecycleListener interface {
	SetInitialChannels(channels []*Channel)
	OnChannelEstablished(ch *Channel)
	OnChannelTerminated(ch *Channel)
}

// EventSink is what transports report channel transitions to.
type EventSink interface {
	ChannelEstablished(ch *Channel)
	ChannelTerminated(ch *Channel)
}

// Registry tracks the set of live channels and fans lifecycle events out to
// listeners. It owns no connection state beyond that set.
type Registry struct {
	logger    *zap.Logger
	listeners *callback.Dispatcher[LifecycleListener]

	mu         sync.Mutex
	active     map[string]*Channel
	terminated map[string]struct{}
	recent     []string
	observer   func(ch *Channel, established bool)
}

var _ EventSink = (*Registry)(nil)

func NewRegistry(pool *workerpool.Pool, policy callback.ExceptionPolicy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger,
		listeners:  callback.New[LifecycleListener]("channel-lifecycle", pool, policy, logger),
		active:     make(map[string]*Channel),
		terminated: make(map[string]struct{}),
	}
}

// Dispatcher exposes the underlying dispatcher, e.g. to hook listener drops.
func (r *Registry) Dispatcher() *callback.Dispatcher[LifecycleListener] {
	return r.listeners
}

// Observe installs a synchronous hook called on every accepted transition
// under the registry lock. It must not block; metrics use it.
func (r *Registry) Observe(fn func(ch *Channel, established bool)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// AddListener registers l and delivers the current channel set to it before
// any later event.
func (r *Registry) AddListener(l LifecycleListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.snapshotLocked()
	r.listeners.AddListenerAndEnqueueCallback(l, func(l LifecycleListener) {
		l.SetInitialChannels(snapshot)
	})
}

func (r *Registry) RemoveListener(l LifecycleListener) {
	r.listeners.RemoveListener(l)
}

// ChannelEstablished records ch as live and notifies listeners once.
func (r *Registry) ChannelEstablished(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[ch.ID()]; ok {
		r.logger.Warn("duplicate established event", zap.String("channel", ch.ID()))
		return
	}
	if _, ok := r.terminated[ch.ID()]; ok {
		r.logger.Warn("established event for terminated channel", zap.String("channel", ch.ID()))
		return
	}
	r.active[ch.ID()] = ch
	if r.observer != nil {
		r.observer(ch, true)
	}
	r.logger.Debug("channel established",
		zap.String("channel", ch.ID()),
		zap.Stringer("contact", ch.ContactPoint()),
		zap.Bool("remote", ch.InitiatedByRemote()))
	r.listeners.EnqueueCallback(func(l LifecycleListener) {
		l.OnChannelEstablished(ch)
	})
}

// ChannelTerminated removes ch from the live set and notifies listeners
// once. Channels that were never reported established are ignored.
func (r *Registry) ChannelTerminated(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[ch.ID()]; !ok {
		if _, dup := r.terminated[ch.ID()]; dup {
			r.logger.Warn("duplicate terminated event", zap.String("channel", ch.ID()))
		} else {
			r.logger.Debug("terminated event for unknown channel", zap.String("channel", ch.ID()))
		}
		return
	}
	delete(r.active, ch.ID())
	r.rememberTerminatedLocked(ch.ID())
	if r.observer != nil {
		r.observer(ch, false)
	}
	r.logger.Debug("channel terminated",
		zap.String("channel", ch.ID()),
		zap.Stringer("state", ch.State()))
	r.listeners.EnqueueCallback(func(l LifecycleListener) {
		l.OnChannelTerminated(ch)
	})
}

// ActiveChannels returns a snapshot of live channels ordered by id.
func (r *Registry) ActiveChannels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Channel looks up a live channel.
func (r *Registry) Channel(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.active[id]
	return ch, ok
}

// rememberTerminatedLocked keeps the ids of recently terminated channels so
// late duplicate reports can be told apart from unknown channels.
func (r *Registry) rememberTerminatedLocked(id string) {
	r.terminated[id] = struct{}{}
	r.recent = append(r.recent, id)
	if len(r.recent) > maxRememberedTerminations {
		delete(r.terminated, r.recent[0])
		r.recent = r.recent[1:]
	}
}

func (r *Registry) snapshotLocked() []*Channel {
	out := make([]*Channel, 0, len(r.active))
	for _, ch := range r.active {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
