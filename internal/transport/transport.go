// Package transport moves messages between nodes and reports the lifecycle
// of the channels it creates.
//
// Every implementation reports each channel transition exactly once to the
// channel.EventSink it was built with. Implementations are selected by the
// transport id of a contact point when the node is composed; there is no
// runtime discovery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
)

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrUnknownChannel   = errors.New("channel not owned by this transport")
	ErrBrokerStopped    = errors.New("broker stopped")
	ErrNotStarted       = errors.New("broker not started")
)

// Transport is one way of reaching other nodes.
type Transport interface {
	ID() string
	// Start begins accepting inbound channels on addr.
	Start(ctx context.Context, addr string) error
	// Addr is the bound listen address, nil before Start.
	Addr() net.Addr
	// Stop closes the endpoint and every channel of this transport.
	Stop(ctx context.Context) error

	Connect(ctx context.Context, cp channel.ContactPoint) (*channel.Channel, error)
	Close(ch *channel.Channel) error
	Send(ctx context.Context, ch *channel.Channel, payload []byte) error
	Ping(ctx context.Context, ch *channel.Channel) (time.Duration, error)
}

// MessageHandler consumes messages arriving on a channel.
type MessageHandler func(ch *channel.Channel, payload []byte)

// Service routes channel operations to the transport a contact point names.
type Service struct {
	logger *zap.Logger

	mu         sync.RWMutex
	transports map[string]Transport
}

func NewService(logger *zap.Logger, transports ...Transport) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger, transports: make(map[string]Transport)}
	for _, t := range transports {
		s.Register(t)
	}
	return s
}

// Register adds t, replacing any transport with the same id.
func (s *Service) Register(t Transport) {
	s.mu.Lock()
	s.transports[t.ID()] = t
	s.mu.Unlock()
}

func (s *Service) Transport(id string) (Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transports[id]
	return t, ok
}

// IDs returns the registered transport ids in sorted order.
func (s *Service) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.transports))
	for id := range s.transports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) lookup(id string) (Transport, error) {
	t, ok := s.Transport(id)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, id)
	}
	return t, nil
}

// Connect opens a self-initiated channel to cp.
func (s *Service) Connect(ctx context.Context, cp channel.ContactPoint) (*channel.Channel, error) {
	t, err := s.lookup(cp.TransportID)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, cp)
}

// Close closes ch on its transport.
func (s *Service) Close(ch *channel.Channel) error {
	t, err := s.lookup(ch.TransportID())
	if err != nil {
		return err
	}
	return t.Close(ch)
}

func (s *Service) Send(ctx context.Context, ch *channel.Channel, payload []byte) error {
	t, err := s.lookup(ch.TransportID())
	if err != nil {
		return err
	}
	return t.Send(ctx, ch, payload)
}

func (s *Service) Ping(ctx context.Context, ch *channel.Channel) (time.Duration, error) {
	t, err := s.lookup(ch.TransportID())
	if err != nil {
		return 0, err
	}
	return t.Ping(ctx, ch)
}

// MarkBroken forces a live channel into MARKED_AS_BROKEN, e.g. after it
// failed repeated health checks. The transport reports the termination.
func (s *Service) MarkBroken(ch *channel.Channel) error {
	t, err := s.lookup(ch.TransportID())
	if err != nil {
		return err
	}
	b, ok := t.(interface{ Break(*channel.Channel) error })
	if !ok {
		return fmt.Errorf("transport %q cannot mark channels broken", t.ID())
	}
	return b.Break(ch)
}

// StopAll stops every transport and returns the first error.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.RLock()
	ts := make([]Transport, 0, len(s.transports))
	for _, t := range s.transports {
		ts = append(ts, t)
	}
	s.mu.RUnlock()

	var first error
	for _, t := range ts {
		if err := t.Stop(ctx); err != nil {
			s.logger.Warn("transport stop failed", zap.String("transport", t.ID()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
