// Package sshsetup manages SSH connection setups to remote nodes: their
// credentials, the live client and automatic reconnection.
package sshsetup

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/nodelink/internal/callback"
	"github.com/gluk-w/claworc/nodelink/internal/metrics"
	"github.com/gluk-w/claworc/nodelink/internal/ratelimit"
	"github.com/gluk-w/claworc/nodelink/internal/sshkeys"
	"github.com/gluk-w/claworc/nodelink/internal/workerpool"
)

const metricsKind = "ssh"

var (
	ErrSetupNotFound = errors.New("ssh connection setup not found")
	// ErrNoPassphrase is returned by a SecretStore holding no passphrase
	// for the setup.
	ErrNoPassphrase = errors.New("no passphrase stored")
)

// SecretStore keeps passphrases of setups that opted to store them.
type SecretStore interface {
	StorePassphrase(setupID string, passphrase []byte) error
	Passphrase(setupID string) ([]byte, error)
	DeletePassphrase(setupID string) error
}

type Option func(*Service)

func WithDialer(d Dialer) Option {
	return func(s *Service) { s.dialer = d }
}

// WithRequiredVersion sets the "<major>.<minor>" protocol version remote
// nodes must announce. Empty disables the check.
func WithRequiredVersion(v string) Option {
	return func(s *Service) { s.requiredVersion = v }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Service) { s.connectTimeout = d }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// Service owns all SSH connection setups.
type Service struct {
	pool            *workerpool.Pool
	secrets         SecretStore
	logger          *zap.Logger
	dialer          Dialer
	loadSigner      func(path string, passphrase []byte) (ssh.Signer, error)
	requiredVersion string
	connectTimeout  time.Duration
	metrics         *metrics.Recorder
	limiter         *ratelimit.Limiter
	listeners       *callback.Dispatcher[Listener]

	mu     sync.Mutex
	setups map[string]*Setup
}

func NewService(pool *workerpool.Pool, secrets SecretStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		pool:           pool,
		secrets:        secrets,
		logger:         logger,
		dialer:         netDialer{},
		loadSigner:     sshkeys.LoadSigner,
		connectTimeout: 30 * time.Second,
		listeners:      callback.New[Listener]("ssh-setups", pool, callback.LogAndDropListener, logger),
		setups:         make(map[string]*Setup),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.listeners.OnDrop(s.metrics.ObserveListenerDropped)
	return s
}

// AddSetup registers a new setup under a fresh id and connects it right
// away if it is flagged to connect on startup.
func (s *Service) AddSetup(p Params) (*Setup, error) {
	return s.RestoreSetup(uuid.NewString(), p)
}

// RestoreSetup registers a setup under a known id, as loaded from storage.
func (s *Service) RestoreSetup(id string, p Params) (*Setup, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, exists := s.setups[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("ssh setup %s already registered", id)
	}
	setup := newSetup(s, id, p)
	s.setups[id] = setup
	snapshot := s.snapshotLocked()
	s.listeners.EnqueueCallback(func(l Listener) { l.OnCollectionChanged(snapshot) })
	s.listeners.EnqueueCallback(func(l Listener) { l.OnCreated(setup) })
	s.mu.Unlock()

	s.logger.Info("ssh setup created", zap.String("ssh_setup", id), zap.String("name", p.Name), zap.String("address", setup.Address()))
	if p.ConnectOnStartup {
		s.connect(setup, nil)
	}
	return setup, nil
}

// EditSetup replaces the parameters of a setup. A live connection is closed
// since it was made with the old parameters.
func (s *Service) EditSetup(id string, p Params) error {
	if err := p.normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	setup, ok := s.setups[id]
	if !ok {
		return fmt.Errorf("edit %s: %w", id, ErrSetupNotFound)
	}
	setup.update(p)
	if !p.StorePassphrase {
		s.forgetPassphrase(id)
	}
	snapshot := s.snapshotLocked()
	s.listeners.EnqueueCallback(func(l Listener) { l.OnCollectionChanged(snapshot) })
	return nil
}

// DisposeSetup disconnects and removes a setup together with its stored
// passphrase.
func (s *Service) DisposeSetup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	setup, ok := s.setups[id]
	if !ok {
		return fmt.Errorf("dispose %s: %w", id, ErrSetupNotFound)
	}
	setup.dispose()
	delete(s.setups, id)
	s.forgetPassphrase(id)
	s.limiter.Reset("ssh-" + id)

	snapshot := s.snapshotLocked()
	s.listeners.EnqueueCallback(func(l Listener) { l.OnDisposed(setup) })
	s.listeners.EnqueueCallback(func(l Listener) { l.OnCollectionChanged(snapshot) })
	s.logger.Info("ssh setup disposed", zap.String("ssh_setup", id))
	return nil
}

func (s *Service) Setup(id string) (*Setup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setup, ok := s.setups[id]
	return setup, ok
}

// Setups returns all setups ordered by name.
func (s *Service) Setups() []*Setup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ActiveSetups returns the setups whose connection is alive.
func (s *Service) ActiveSetups() []*Setup {
	var active []*Setup
	for _, setup := range s.Setups() {
		if setup.IsConnected() {
			active = append(active, setup)
		}
	}
	return active
}

// Connect starts a connection attempt using the stored passphrase, if any.
func (s *Service) Connect(id string) error {
	setup, ok := s.Setup(id)
	if !ok {
		return fmt.Errorf("connect %s: %w", id, ErrSetupNotFound)
	}
	s.connect(setup, nil)
	return nil
}

// ConnectWithPassphrase starts a connection attempt with a passphrase
// entered by the user. The passphrase is not stored.
func (s *Service) ConnectWithPassphrase(id string, passphrase []byte) error {
	setup, ok := s.Setup(id)
	if !ok {
		return fmt.Errorf("connect %s: %w", id, ErrSetupNotFound)
	}
	setup.connect(passphrase)
	return nil
}

func (s *Service) connect(setup *Setup, passphrase []byte) {
	if passphrase == nil && setup.Params().UsePassphrase {
		stored, err := s.storedPassphrase(setup.id)
		if err != nil && !errors.Is(err, ErrNoPassphrase) {
			s.logger.Warn("cannot read stored passphrase", zap.String("ssh_setup", setup.id), zap.Error(err))
		}
		passphrase = stored
	}
	setup.connect(passphrase)
}

func (s *Service) Disconnect(id string) error {
	setup, ok := s.Setup(id)
	if !ok {
		return fmt.Errorf("disconnect %s: %w", id, ErrSetupNotFound)
	}
	setup.disconnect()
	return nil
}

// SetPassphrase stores the passphrase of a setup, or removes a stored one
// when store is false.
func (s *Service) SetPassphrase(id string, passphrase []byte, store bool) error {
	setup, ok := s.Setup(id)
	if !ok {
		return fmt.Errorf("set passphrase %s: %w", id, ErrSetupNotFound)
	}
	if s.secrets == nil {
		return fmt.Errorf("set passphrase %s: no secret store configured", id)
	}
	if store {
		if err := s.secrets.StorePassphrase(id, passphrase); err != nil {
			return fmt.Errorf("store passphrase for %s: %w", id, err)
		}
	} else if err := s.secrets.DeletePassphrase(id); err != nil && !errors.Is(err, ErrNoPassphrase) {
		return fmt.Errorf("delete passphrase for %s: %w", id, err)
	}
	setup.setStorePassphrase(store)

	snapshot := s.Setups()
	s.listeners.EnqueueCallback(func(l Listener) { l.OnCollectionChanged(snapshot) })
	return nil
}

func (s *Service) IsConnected(id string) (bool, error) {
	setup, ok := s.Setup(id)
	if !ok {
		return false, fmt.Errorf("is connected %s: %w", id, ErrSetupNotFound)
	}
	return setup.IsConnected(), nil
}

// CheckAll probes every live connection with a keepalive so dead ones are
// detected and reported. It returns the number of live connections.
func (s *Service) CheckAll() (connected, disconnected int) {
	for _, setup := range s.Setups() {
		if setup.IsConnected() && setup.keepalive() {
			connected++
		} else {
			disconnected++
		}
	}
	s.metrics.SetSSHSetups(connected, disconnected)
	return connected, disconnected
}

// DisconnectAll closes every connection, for shutdown.
func (s *Service) DisconnectAll() {
	for _, setup := range s.Setups() {
		setup.disconnect()
	}
}

func (s *Service) AddListener(l Listener) { s.listeners.AddListener(l) }

func (s *Service) RemoveListener(l Listener) { s.listeners.RemoveListener(l) }

func (s *Service) storedPassphrase(id string) ([]byte, error) {
	if s.secrets == nil {
		return nil, ErrNoPassphrase
	}
	return s.secrets.Passphrase(id)
}

func (s *Service) forgetPassphrase(id string) {
	if s.secrets == nil {
		return
	}
	if err := s.secrets.DeletePassphrase(id); err != nil && !errors.Is(err, ErrNoPassphrase) {
		s.logger.Warn("cannot delete stored passphrase", zap.String("ssh_setup", id), zap.Error(err))
	}
}

func (s *Service) snapshotLocked() []*Setup {
	out := make([]*Setup, 0, len(s.setups))
	for _, setup := range s.setups {
		out = append(out, setup)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].Name(), out[j].Name()
		if ni != nj {
			return ni < nj
		}
		return out[i].id < out[j].id
	})
	return out
}
