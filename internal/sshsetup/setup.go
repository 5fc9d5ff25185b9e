package sshsetup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/nodelink/internal/failure"
	"github.com/gluk-w/claworc/nodelink/internal/history"
	"github.com/gluk-w/claworc/nodelink/internal/sshkeys"
)

// Backoff for automatic reconnection. Variables so tests can shorten them.
var (
	retryInitialDelay = 5 * time.Second
	retryMultiplier   = 2.0
	retryMaxDelay     = 5 * time.Minute
)

// keepaliveTimeout bounds how long CheckAll waits for a keepalive reply
// before treating the connection as dead.
var keepaliveTimeout = 10 * time.Second

const eventBufferSize = 100

var errNoCredentials = failure.Errorf(failure.KeyFileAuthenticationFailure,
	"Neither a key file nor a passphrase is configured for this connection")

var errPassphraseNotStored = failure.Errorf(failure.KeyFileAuthenticationFailure,
	"Automatic reconnection needs the passphrase to be stored")

func retryDelay(failures int) time.Duration {
	d := float64(retryInitialDelay)
	for i := 1; i < failures; i++ {
		d *= retryMultiplier
		if d >= float64(retryMaxDelay) {
			return retryMaxDelay
		}
	}
	return time.Duration(d)
}

// Event is one entry of a setup's event log.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// Setup is one SSH connection setup. Liveness is detected lazily: a dead
// client is only noticed, and reported, when IsConnected is called.
type Setup struct {
	id     string
	svc    *Service
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	events *history.Ring[Event]

	mu            sync.Mutex
	params        Params
	disposed      bool
	connecting    bool
	client        *ssh.Client
	done          chan struct{}
	serverVersion string
	fingerprint   string
	connectedAt   time.Time
	failures      int
	lastError     string
	attemptID     uint64
	cancelAttempt context.CancelFunc
	waiting       bool
	retryID       uint64
	cancelRetry   context.CancelFunc
	retryAt       time.Time
}

func newSetup(svc *Service, id string, p Params) *Setup {
	ctx, cancel := context.WithCancel(context.Background())
	return &Setup{
		id:     id,
		svc:    svc,
		logger: svc.logger.With(zap.String("ssh_setup", id)),
		ctx:    ctx,
		cancel: cancel,
		events: history.NewRing[Event](eventBufferSize),
		params: p,
	}
}

func (s *Setup) ID() string { return s.id }

func (s *Setup) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Setup) Name() string { return s.Params().Name }

func (s *Setup) Address() string {
	p := s.Params()
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Client returns the live client, or nil. It does not check liveness.
func (s *Setup) Client() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Setup) WaitingForRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

func (s *Setup) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Setup) Events() []Event { return s.events.History() }

// Status reports the setup without probing the connection.
func (s *Setup) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:                  s.id,
		Params:              s.params,
		Connected:           s.client != nil,
		Connecting:          s.connecting,
		WaitingForRetry:     s.waiting,
		ConsecutiveFailures: s.failures,
		LastError:           s.lastError,
		ServerVersion:       s.serverVersion,
		SeenFingerprint:     s.fingerprint,
		ConnectedAt:         s.connectedAt,
	}
	if s.waiting {
		st.NextRetry = s.retryAt
	}
	return st
}

func (s *Setup) String() string {
	return fmt.Sprintf("ssh-setup %s (%s)", s.id, s.Address())
}

// IsConnected reports whether the client is alive. The first call after the
// connection died reports the closure to listeners and, if auto-retry is
// on, schedules a reconnect.
func (s *Setup) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return false
	}
	select {
	case <-s.done:
	default:
		return true
	}

	s.client = nil
	s.done = nil
	willRetry := s.params.AutoRetry && !s.disposed
	s.logger.Info("ssh connection lost", zap.Bool("will_retry", willRetry))
	s.recordLocked("closed", "connection lost")
	s.svc.listeners.EnqueueCallback(func(l Listener) { l.OnConnectionClosed(s, willRetry) })
	if willRetry {
		s.failures = 1
		s.scheduleRetryLocked()
	}
	return false
}

// connect starts an attempt unless one is running or the client is alive.
// It reports whether an attempt was started.
func (s *Setup) connect(passphrase []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.connecting || s.client != nil {
		return false
	}
	s.stopRetryLocked()
	s.failures = 0
	s.recordLocked("connect_requested", "")
	s.startAttemptLocked(passphrase, false)
	return true
}

func (s *Setup) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked("disconnect requested")
}

func (s *Setup) disconnectLocked(why string) {
	s.stopRetryLocked()
	s.failures = 0
	if s.connecting {
		s.attemptID++
		s.stopAttemptLocked()
		s.connecting = false
	}
	if s.client == nil {
		return
	}
	client := s.client
	s.client = nil
	s.done = nil
	s.closeAsync(client)
	s.logger.Info("ssh connection closed", zap.String("why", why))
	s.recordLocked("closed", why)
	s.svc.listeners.EnqueueCallback(func(l Listener) { l.OnConnectionClosed(s, false) })
}

func (s *Setup) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disconnectLocked("disposed")
	s.disposed = true
	s.cancel()
	s.recordLocked("disposed", "")
}

func (s *Setup) update(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked("settings changed")
	s.params = p
}

func (s *Setup) setStorePassphrase(store bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.StorePassphrase = store
}

func (s *Setup) startAttemptLocked(passphrase []byte, autoRetry bool) {
	s.attemptID++
	id := s.attemptID
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelAttempt = cancel
	s.connecting = true
	p := s.params

	if err := s.svc.pool.Submit("ssh connect "+p.Name, func() { s.runAttempt(ctx, id, p, passphrase) }); err != nil {
		s.logger.Error("cannot schedule ssh connection attempt", zap.Error(err))
		s.stopAttemptLocked()
		s.connecting = false
		s.attemptFailedLocked(err, autoRetry)
	}
}

func (s *Setup) runAttempt(ctx context.Context, id uint64, p Params, passphrase []byte) {
	key := "ssh-" + s.id
	if err := s.svc.limiter.Allow(key); err != nil {
		s.attemptFinished(id, nil, "", err)
		return
	}
	client, fingerprint, err := s.dial(ctx, p, passphrase)
	if err == nil {
		s.svc.limiter.RecordSuccess(key)
	} else {
		s.svc.limiter.RecordFailure(key)
	}
	s.attemptFinished(id, client, fingerprint, err)
}

// dial returns the client together with the fingerprint of the host key the
// server presented.
func (s *Setup) dial(ctx context.Context, p Params, passphrase []byte) (*ssh.Client, string, error) {
	var auth ssh.AuthMethod
	switch {
	case p.KeyFile != "":
		signer, err := s.svc.loadSigner(p.KeyFile, passphrase)
		if err != nil {
			return nil, "", err
		}
		auth = ssh.PublicKeys(signer)
	case len(passphrase) > 0:
		auth = ssh.Password(string(passphrase))
	default:
		return nil, "", errNoCredentials
	}

	hostKeyCallback, seen := sshkeys.PinnedHostKeyCallback(p.HostKeyFingerprint, s.logger)
	cfg := &ssh.ClientConfig{
		User:            p.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.svc.connectTimeout,
	}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	client, err := s.svc.dialer.Dial(ctx, addr, cfg)
	if err != nil {
		return nil, "", failure.ClassifyLogin(err, p.KeyFile != "")
	}
	if err := checkVersion(string(client.ServerVersion()), s.svc.requiredVersion); err != nil {
		client.Close()
		return nil, "", err
	}
	return client, seen.Fingerprint(), nil
}

// attemptFinished applies the result of attempt id. Results of outdated
// attempts, including the host key they saw, are discarded.
func (s *Setup) attemptFinished(id uint64, client *ssh.Client, fingerprint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != s.attemptID || !s.connecting || s.disposed {
		if client != nil {
			s.closeAsync(client)
		}
		return
	}
	s.connecting = false
	s.stopAttemptLocked()
	autoRetry := s.failures > 0

	if err != nil {
		s.attemptFailedLocked(err, autoRetry)
		return
	}

	s.svc.metrics.ObserveAttempt(metricsKind, nil, "")
	done := make(chan struct{})
	go func() {
		client.Wait()
		close(done)
	}()
	s.client = client
	s.done = done
	s.fingerprint = fingerprint
	s.serverVersion = string(client.ServerVersion())
	s.connectedAt = time.Now()
	s.lastError = ""
	if s.params.HostKeyFingerprint == "" {
		// Trust on first use: later connections must present the same key.
		s.params.HostKeyFingerprint = s.fingerprint
	}
	s.logger.Info("ssh connection established",
		zap.String("server_version", s.serverVersion),
		zap.String("fingerprint", s.fingerprint),
		zap.Int("failed_attempts", s.failures))
	s.failures = 0
	s.recordLocked("connected", s.serverVersion)
	s.svc.listeners.EnqueueCallback(func(l Listener) { l.OnConnected(s) })
}

func (s *Setup) attemptFailedLocked(err error, autoRetry bool) {
	fe := failure.Classify(err)
	s.svc.metrics.ObserveAttempt(metricsKind, err, fe.Class.String())
	s.failures++
	first := s.failures == 1
	willRetry := s.params.AutoRetry && !s.disposed && fe.Class.PermitsRetry()
	reason := fe.Error()
	s.lastError = reason

	fields := []zap.Field{
		zap.Stringer("class", fe.Class),
		zap.String("reason", reason),
		zap.Int("failures", s.failures),
		zap.Bool("will_retry", willRetry),
	}
	if autoRetry {
		s.logger.Info("ssh auto-reconnect failed", fields...)
	} else {
		s.logger.Warn("ssh connection failed", fields...)
	}
	s.recordLocked("attempt_failed", reason)
	class := fe.Class
	s.svc.listeners.EnqueueCallback(func(l Listener) {
		l.OnConnectionAttemptFailed(s, reason, class, first, willRetry)
	})
	if willRetry {
		s.scheduleRetryLocked()
	}
}

func (s *Setup) scheduleRetryLocked() {
	delay := retryDelay(s.failures)
	s.retryID++
	id := s.retryID
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelRetry = cancel
	s.waiting = true
	s.retryAt = time.Now().Add(delay)
	s.recordLocked("retry_scheduled", fmt.Sprintf("in %s", delay))

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.retryDelayExpired(id)
	}()
}

// retryDelayExpired fetches the stored passphrase before taking the lock;
// the secret store may hit the database.
func (s *Setup) retryDelayExpired(id uint64) {
	p := s.Params()
	var passphrase []byte
	var lookupErr error
	if p.UsePassphrase {
		passphrase, lookupErr = s.svc.storedPassphrase(s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || !s.waiting || id != s.retryID {
		return
	}
	s.waiting = false
	s.cancelRetry = nil
	switch {
	case errors.Is(lookupErr, ErrNoPassphrase):
		s.attemptFailedLocked(errPassphraseNotStored, true)
	case lookupErr != nil:
		s.attemptFailedLocked(failure.New(failure.KeyFileAuthenticationFailure, lookupErr), true)
	default:
		s.startAttemptLocked(passphrase, true)
	}
}

func (s *Setup) stopAttemptLocked() {
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
}

func (s *Setup) stopRetryLocked() {
	s.waiting = false
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
}

func (s *Setup) closeAsync(client *ssh.Client) {
	if err := s.svc.pool.Submit("ssh close "+s.id, func() { client.Close() }); err != nil {
		client.Close()
	}
}

func (s *Setup) recordLocked(typ, details string) {
	s.events.Record(Event{Type: typ, Timestamp: time.Now(), Details: details})
}

// keepalive sends an OpenSSH keepalive request. A connection that does not
// answer in time is closed so the next IsConnected reports it.
func (s *Setup) keepalive() bool {
	s.mu.Lock()
	client, done := s.client, s.done
	s.mu.Unlock()
	if client == nil {
		return false
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err == nil {
			return true
		}
		s.logger.Info("ssh keepalive failed", zap.Error(err))
	case <-time.After(keepaliveTimeout):
		s.logger.Info("ssh keepalive timed out", zap.Duration("timeout", keepaliveTimeout))
	}
	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return s.IsConnected()
}
