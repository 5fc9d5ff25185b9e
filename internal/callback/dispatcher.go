// Package callback delivers asynchronous callbacks to listeners while
// keeping per-listener order.
//
// Every listener owns a FIFO queue. At most one callback per listener runs at
// a time and callbacks for a listener run in the order they were enqueued,
// regardless of which goroutine enqueued them. Distinct listeners are served
// concurrently by the shared worker pool.
package callback

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

// ExceptionPolicy decides what happens to a listener whose callback panics.
type ExceptionPolicy int

const (
	// LogAndContinue logs the panic and keeps delivering to the listener.
	LogAndContinue ExceptionPolicy = iota
	// LogAndDropListener logs the panic and never delivers to the listener again.
	LogAndDropListener
)

func (p ExceptionPolicy) String() string {
	switch p {
	case LogAndContinue:
		return "log-and-continue"
	case LogAndDropListener:
		return "log-and-drop-listener"
	default:
		return fmt.Sprintf("ExceptionPolicy(%d)", int(p))
	}
}

// DropHook is notified when a listener is dropped after a panic.
type DropHook func(name string)

// Dispatcher fans callbacks out to listeners of type L. L must have
// comparable dynamic values (pointers in practice) since it keys the queue map.
type Dispatcher[L comparable] struct {
	name   string
	pool   *workerpool.Pool
	policy ExceptionPolicy
	logger *zap.Logger
	onDrop DropHook

	mu sync.Mutex
	// queues holds registered listeners and removed ones whose queue is
	// still draining. A re-added listener reuses its draining queue so its
	// callbacks never run concurrently or out of order.
	queues map[L]*queue[L]
}

type queue[L comparable] struct {
	listener L
	// registered is guarded by Dispatcher.mu.
	registered bool

	mu      sync.Mutex
	pending []func(L)
	running bool
	dropped bool
}

// New creates a dispatcher. The name identifies it in logs.
func New[L comparable](name string, pool *workerpool.Pool, policy ExceptionPolicy, logger *zap.Logger) *Dispatcher[L] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[L]{
		name:   name,
		pool:   pool,
		policy: policy,
		logger: logger.With(zap.String("dispatcher", name)),
		queues: make(map[L]*queue[L]),
	}
}

// OnDrop registers a hook called whenever a listener is dropped.
func (d *Dispatcher[L]) OnDrop(hook DropHook) {
	d.mu.Lock()
	d.onDrop = hook
	d.mu.Unlock()
}

// AddListener registers l. It returns false if l is already registered.
func (d *Dispatcher[L]) AddListener(l L) bool {
	return d.AddListenerAndEnqueueCallback(l, nil)
}

// AddListenerAndEnqueueCallback registers l and queues first as its first
// callback. Registration and enqueueing happen under the same lock that
// EnqueueCallback holds, so no concurrent broadcast can overtake first.
func (d *Dispatcher[L]) AddListenerAndEnqueueCallback(l L, first func(L)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[l]
	if ok && q.registered {
		d.logger.Warn("listener registered twice; ignoring", zap.String("listener", fmt.Sprintf("%T", l)))
		return false
	}
	if !ok {
		q = &queue[L]{listener: l}
		d.queues[l] = q
	}
	q.registered = true
	if first != nil {
		d.enqueueLocked(q, first)
	}
	return true
}

// RemoveListener stops future delivery to l. Callbacks already queued for l
// are still delivered.
func (d *Dispatcher[L]) RemoveListener(l L) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[l]
	if !ok {
		return
	}
	q.registered = false
	d.forgetIfIdleLocked(q)
}

// forgetIfIdleLocked deletes an unregistered queue once nothing is left to
// deliver on it.
func (d *Dispatcher[L]) forgetIfIdleLocked(q *queue[L]) {
	q.mu.Lock()
	idle := !q.running && len(q.pending) == 0
	q.mu.Unlock()
	if idle && !q.registered && d.queues[q.listener] == q {
		delete(d.queues, q.listener)
	}
}

// EnqueueCallback queues cb for every registered listener.
func (d *Dispatcher[L]) EnqueueCallback(cb func(L)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		if q.registered {
			d.enqueueLocked(q, cb)
		}
	}
}

// Listeners returns the number of registered listeners.
func (d *Dispatcher[L]) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		if q.registered {
			n++
		}
	}
	return n
}

func (d *Dispatcher[L]) enqueueLocked(q *queue[L], cb func(L)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dropped {
		return
	}
	q.pending = append(q.pending, cb)
	if q.running {
		return
	}
	q.running = true
	err := d.pool.SubmitOrDrop(d.name, func() { d.drain(q) }, func() { d.abandon(q) })
	if err != nil {
		q.running = false
		q.pending = nil
		d.logger.Warn("callback not scheduled", zap.Error(err))
	}
}

// abandon resets a queue whose drain task the pool dropped at shutdown.
func (d *Dispatcher[L]) abandon(q *queue[L]) {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.running = false
	q.mu.Unlock()
	d.logger.Debug("callbacks discarded at shutdown", zap.Int("count", n))

	d.mu.Lock()
	d.forgetIfIdleLocked(q)
	d.mu.Unlock()
}

// drain runs queued callbacks for one listener until its queue is empty.
func (d *Dispatcher[L]) drain(q *queue[L]) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.dropped {
			q.pending = nil
			q.running = false
			q.mu.Unlock()

			d.mu.Lock()
			d.forgetIfIdleLocked(q)
			d.mu.Unlock()
			return
		}
		cb := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if ok := d.invoke(q.listener, cb); !ok && d.policy == LogAndDropListener {
			d.drop(q)
		}
	}
}

func (d *Dispatcher[L]) invoke(l L, cb func(L)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			d.logger.Error("listener callback panicked",
				zap.String("listener", fmt.Sprintf("%T", l)),
				zap.Stringer("policy", d.policy),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	cb(l)
	return true
}

func (d *Dispatcher[L]) drop(q *queue[L]) {
	q.mu.Lock()
	q.dropped = true
	q.mu.Unlock()

	d.mu.Lock()
	if cur, ok := d.queues[q.listener]; ok && cur == q {
		delete(d.queues, q.listener)
	}
	hook := d.onDrop
	d.mu.Unlock()

	d.logger.Warn("listener dropped after failing callback",
		zap.String("listener", fmt.Sprintf("%T", q.listener)))
	if hook != nil {
		hook(d.name)
	}
}
