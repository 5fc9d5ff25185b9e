// Package ratelimit protects remote endpoints from reconnection storms.
//
// Two limits apply per key:
//
//  1. Sliding window: at most MaxAttempts attempts per Window.
//  2. Consecutive-failure block: after FailureThreshold consecutive failures
//     the key is blocked for a cooldown that starts at InitialBlock and
//     doubles up to MaxBlock. A success resets both.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Limits struct {
	Window           time.Duration
	MaxAttempts      int
	FailureThreshold int
	InitialBlock     time.Duration
	MaxBlock         time.Duration
}

// DefaultLimits allow 10 attempts per minute and block for 30s (up to 5m)
// after 5 consecutive failures.
var DefaultLimits = Limits{
	Window:           time.Minute,
	MaxAttempts:      10,
	FailureThreshold: 5,
	InitialBlock:     30 * time.Second,
	MaxBlock:         5 * time.Minute,
}

// ErrRateLimited is returned when an attempt is rejected.
type ErrRateLimited struct {
	Key        string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("connection attempts to %s rate limited: %s (retry after %s)", e.Key, e.Reason, e.RetryAfter)
}

type keyState struct {
	attempts            []time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

type Limiter struct {
	limits Limits
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*keyState

	// nowFunc is replaced in tests.
	nowFunc func() time.Time
}

func New(limits Limits, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limits:  limits,
		logger:  logger,
		states:  make(map[string]*keyState),
		nowFunc: time.Now,
	}
}

func (l *Limiter) getOrCreate(key string) *keyState {
	s, ok := l.states[key]
	if !ok {
		s = &keyState{}
		l.states[key] = s
	}
	return s
}

// Allow records an attempt for key, or returns *ErrRateLimited. A nil
// limiter allows everything.
func (l *Limiter) Allow(key string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	s := l.getOrCreate(key)

	if !s.blockedUntil.IsZero() && now.Before(s.blockedUntil) {
		return &ErrRateLimited{
			Key:        key,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", s.consecutiveFailures),
			RetryAfter: s.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-l.limits.Window)
	recent := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.attempts = recent

	if len(s.attempts) >= l.limits.MaxAttempts {
		retryAfter := s.attempts[0].Add(l.limits.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.logger.Warn("connection attempt rate exceeded",
			zap.String("key", key),
			zap.Int("max_attempts", l.limits.MaxAttempts),
			zap.Duration("window", l.limits.Window))
		return &ErrRateLimited{
			Key:        key,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", l.limits.MaxAttempts, l.limits.Window),
			RetryAfter: retryAfter,
		}
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak for key.
func (l *Limiter) RecordSuccess(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[key]; ok {
		s.consecutiveFailures = 0
		s.blockedUntil = time.Time{}
		s.blockDuration = 0
	}
}

// RecordFailure extends the failure streak and blocks key once it reaches
// the threshold.
func (l *Limiter) RecordFailure(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.getOrCreate(key)
	s.consecutiveFailures++
	if s.consecutiveFailures < l.limits.FailureThreshold {
		return
	}
	if s.blockDuration == 0 {
		s.blockDuration = l.limits.InitialBlock
	} else {
		s.blockDuration *= 2
		if s.blockDuration > l.limits.MaxBlock {
			s.blockDuration = l.limits.MaxBlock
		}
	}
	s.blockedUntil = l.nowFunc().Add(s.blockDuration)
	l.logger.Warn("connection attempts blocked",
		zap.String("key", key),
		zap.Duration("block", s.blockDuration),
		zap.Int("consecutive_failures", s.consecutiveFailures))
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, key)
}
