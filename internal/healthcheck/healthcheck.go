// Package healthcheck periodically pings self-initiated channels and marks
// those that stop answering as broken, so their setups can reconnect. It
// also drives liveness detection of SSH setups.
package healthcheck

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/metrics"
)

const (
	defaultPingTimeout = 5 * time.Second
	defaultMaxJitter   = 2 * time.Second
	maxConcurrentPings = 8
)

// ChannelSource lists the live channels.
type ChannelSource interface {
	ActiveChannels() []*channel.Channel
}

// Pinger measures round trips over channels and can give up on them.
type Pinger interface {
	Ping(ctx context.Context, ch *channel.Channel) (time.Duration, error)
	MarkBroken(ch *channel.Channel) error
}

// SSHChecker probes SSH setups.
type SSHChecker interface {
	CheckAll() (connected, disconnected int)
}

// Result summarizes one run.
type Result struct {
	Checked         int `json:"checked"`
	Failed          int `json:"failed"`
	Broken          int `json:"broken"`
	SSHConnected    int `json:"ssh_connected"`
	SSHDisconnected int `json:"ssh_disconnected"`
}

type Option func(*Checker)

func WithSSH(s SSHChecker) Option {
	return func(c *Checker) { c.ssh = s }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Checker) { c.metrics = m }
}

func WithPingTimeout(d time.Duration) Option {
	return func(c *Checker) { c.pingTimeout = d }
}

// WithMaxJitter sets the upper bound of the random delay before each
// scheduled run. Zero disables jitter.
func WithMaxJitter(d time.Duration) Option {
	return func(c *Checker) { c.maxJitter = d }
}

type Checker struct {
	channels     ChannelSource
	pinger       Pinger
	ssh          SSHChecker
	metrics      *metrics.Recorder
	logger       *zap.Logger
	failureLimit int
	pingTimeout  time.Duration
	maxJitter    time.Duration

	mu       sync.Mutex
	failures map[string]int
	last     Result
	lastRun  time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a checker that marks a channel broken after failureLimit
// consecutive failed pings.
func New(channels ChannelSource, pinger Pinger, failureLimit int, logger *zap.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failureLimit < 1 {
		failureLimit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		channels:     channels,
		pinger:       pinger,
		logger:       logger,
		failureLimit: failureLimit,
		pingTimeout:  defaultPingTimeout,
		maxJitter:    defaultMaxJitter,
		failures:     make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start schedules runs with a cron spec such as "@every 20s". A run that
// overlaps the next tick causes that tick to be skipped.
func (c *Checker) Start(schedule string) error {
	cl := cronLogger{c.logger.Sugar()}
	c.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.cron.AddFunc(schedule, c.scheduledRun); err != nil {
		return err
	}
	c.cron.Start()
	c.logger.Info("health checker started", zap.String("schedule", schedule), zap.Int("failure_limit", c.failureLimit))
	return nil
}

// Stop cancels a waiting run and waits for a running one to finish.
func (c *Checker) Stop(ctx context.Context) error {
	c.cancel()
	if c.cron == nil {
		return nil
	}
	select {
	case <-c.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checker) scheduledRun() {
	if c.maxJitter > 0 {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(rand.N(c.maxJitter)):
		}
	}
	c.Run(c.ctx)
}

// Last returns the result of the latest run and when it finished.
func (c *Checker) Last() (Result, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastRun
}

// Run checks every self-initiated channel and every SSH setup once.
func (c *Checker) Run(ctx context.Context) Result {
	var targets []*channel.Channel
	for _, ch := range c.channels.ActiveChannels() {
		if !ch.InitiatedByRemote() {
			targets = append(targets, ch)
		}
	}
	c.prune(targets)

	var res Result
	var resMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxConcurrentPings)
	for _, ch := range targets {
		g.Go(func() error {
			outcome := c.check(ctx, ch)
			resMu.Lock()
			res.Checked++
			switch outcome {
			case "failed":
				res.Failed++
			case "broken":
				res.Failed++
				res.Broken++
			}
			resMu.Unlock()
			return nil
		})
	}
	g.Wait()

	if c.ssh != nil {
		res.SSHConnected, res.SSHDisconnected = c.ssh.CheckAll()
	}

	c.mu.Lock()
	c.last, c.lastRun = res, time.Now()
	c.mu.Unlock()
	if res.Failed > 0 {
		c.logger.Info("health check finished with failures",
			zap.Int("checked", res.Checked), zap.Int("failed", res.Failed), zap.Int("broken", res.Broken))
	} else {
		c.logger.Debug("health check finished", zap.Int("checked", res.Checked))
	}
	return res
}

func (c *Checker) check(ctx context.Context, ch *channel.Channel) string {
	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	rtt, err := c.pinger.Ping(pingCtx, ch)
	cancel()
	if err == nil {
		c.mu.Lock()
		delete(c.failures, ch.ID())
		c.mu.Unlock()
		c.metrics.ObserveHealthCheck("ok")
		c.logger.Debug("channel healthy", zap.String("channel", ch.ID()), zap.Duration("rtt", rtt))
		return "ok"
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return "skipped"
	}

	c.mu.Lock()
	c.failures[ch.ID()]++
	n := c.failures[ch.ID()]
	if n >= c.failureLimit {
		delete(c.failures, ch.ID())
	}
	c.mu.Unlock()

	if n < c.failureLimit {
		c.metrics.ObserveHealthCheck("failed")
		c.logger.Info("channel health check failed",
			zap.String("channel", ch.ID()), zap.Int("failures", n), zap.Error(err))
		return "failed"
	}
	c.metrics.ObserveHealthCheck("broken")
	c.logger.Warn("channel failed too many health checks, marking it broken",
		zap.String("channel", ch.ID()),
		zap.Stringer("contact", ch.ContactPoint()),
		zap.Int("failures", n),
		zap.Error(err))
	if err := c.pinger.MarkBroken(ch); err != nil {
		c.logger.Error("failed to mark channel broken", zap.String("channel", ch.ID()), zap.Error(err))
	}
	return "broken"
}

// prune forgets failure counts of channels that are gone.
func (c *Checker) prune(live []*channel.Channel) {
	ids := make(map[string]struct{}, len(live))
	for _, ch := range live {
		ids[ch.ID()] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.failures {
		if _, ok := ids[id]; !ok {
			delete(c.failures, id)
		}
	}
}

// cronLogger routes cron's logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
