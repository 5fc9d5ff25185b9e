package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
	"github.com/gluk-w/claworc/nodelink/internal/failure"
	"github.com/gluk-w/claworc/nodelink/internal/filter"
)

// Timing defaults. Tests may override these.
var (
	handshakeTimeout = 10 * time.Second
	goodbyeWait      = time.Second
)

const (
	defaultInboxSize = 64
	defaultGrace     = 5 * time.Second

	rejectVersionMismatch = "version-mismatch"
	rejectVersionMissing  = "version-missing"
)

// Config configures a Broker.
type Config struct {
	// ID is the transport id contact points use to select this broker.
	ID              string
	NodeID          string
	ProtocolVersion string
	// Grace bounds how long Stop waits for inbox consumers to drain.
	Grace     time.Duration
	InboxSize int
	Filter    *filter.Filter
	Handler   MessageHandler
	Sink      channel.EventSink
	Logger    *zap.Logger
}

type listenFunc func(addr string) (net.Listener, error)
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Broker is a multiplexing message broker. Each peer connection carries a
// yamux session: one control stream for the handshake and shutdown
// announcements, plus one short-lived stream per message. Inbound messages
// land in a per-channel inbox drained by a consumer goroutine.
type Broker struct {
	cfg    Config
	listen listenFunc
	dial   dialFunc
	logger *zap.Logger

	mu         sync.Mutex
	ln         net.Listener
	acceptDone chan struct{}
	stopped    bool
	peers      map[string]*peer
}

var _ Transport = (*Broker)(nil)

func newBroker(cfg Config, listen listenFunc, dial dialFunc) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "1"
	}
	return &Broker{
		cfg:    cfg,
		listen: listen,
		dial:   dial,
		logger: cfg.Logger.With(zap.String("transport", cfg.ID)),
		peers:  make(map[string]*peer),
	}
}

func (b *Broker) ID() string { return b.cfg.ID }

func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Start listens on addr and accepts inbound channels in the background.
func (b *Broker) Start(ctx context.Context, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBrokerStopped
	}
	if b.ln != nil {
		return fmt.Errorf("broker %s already listening on %s", b.cfg.ID, b.ln.Addr())
	}
	ln, err := b.listen(addr)
	if err != nil {
		return fmt.Errorf("broker %s listen on %s: %w", b.cfg.ID, addr, err)
	}
	b.ln = ln
	b.acceptDone = make(chan struct{})
	go b.acceptLoop(ln, b.acceptDone)
	b.logger.Info("broker listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

func (b *Broker) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || b.isStopped() {
				return
			}
			b.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err := b.cfg.Filter.Check(conn.RemoteAddr()); err != nil {
			b.logger.Warn("inbound connection rejected", zap.Error(err))
			conn.Close()
			continue
		}
		go b.serveInbound(conn)
	}
}

func (b *Broker) serveInbound(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sess, err := yamux.Server(conn, b.yamuxConfig())
	if err != nil {
		b.logger.Warn("yamux server init failed", zap.String("remote", remote), zap.Error(err))
		conn.Close()
		return
	}

	timer := time.AfterFunc(handshakeTimeout, func() { sess.Close() })
	defer timer.Stop()

	control, err := sess.AcceptStream()
	if err != nil {
		b.logger.Debug("no control stream", zap.String("remote", remote), zap.Error(err))
		sess.Close()
		return
	}
	hello, err := readFrame(control)
	if err != nil || hello.Type != frameHello {
		b.logger.Warn("handshake failed", zap.String("remote", remote), zap.Error(err), zap.Stringer("frame", hello.Type))
		sess.Close()
		return
	}
	if reason := b.checkVersion(hello.Version); reason != "" {
		b.logger.Warn("peer rejected",
			zap.String("remote", remote),
			zap.String("reason", reason),
			zap.String("peer_version", hello.Version))
		writeFrame(control, frame{Type: frameReject, Reason: reason, Version: b.cfg.ProtocolVersion})
		closeAfterFlush(sess)
		return
	}

	ch := channel.New(b.cfg.ID, contactFromAddr(conn.RemoteAddr(), b.cfg.ID), true)
	if err := writeFrame(control, frame{
		Type:    frameWelcome,
		NodeID:  b.cfg.NodeID,
		Version: b.cfg.ProtocolVersion,
		Channel: ch.ID(),
	}); err != nil {
		b.logger.Warn("handshake failed", zap.String("remote", remote), zap.Error(err))
		sess.Close()
		return
	}
	timer.Stop()

	p := b.newPeer(ch, sess, control)
	if !b.addPeer(p) {
		sess.Close()
		return
	}
	p.establish(hello.NodeID)
	p.run()
	b.logger.Info("inbound channel established",
		zap.String("channel", ch.ID()),
		zap.String("remote", remote),
		zap.String("node", hello.NodeID))
}

func (b *Broker) checkVersion(v string) string {
	switch {
	case v == "":
		return rejectVersionMissing
	case v != b.cfg.ProtocolVersion:
		return rejectVersionMismatch
	}
	return ""
}

// Connect dials cp and performs the handshake. The returned channel is
// already established and reported to the sink.
func (b *Broker) Connect(ctx context.Context, cp channel.ContactPoint) (*channel.Channel, error) {
	if b.isStopped() {
		return nil, ErrBrokerStopped
	}
	conn, err := b.dial(ctx, cp.Address())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cp, err)
	}
	sess, err := yamux.Client(conn, b.yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client init: %w", err)
	}

	// Cancelling ctx aborts the handshake by tearing the session down.
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	control, err := sess.OpenStream()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("open control stream to %s: %w", cp, err)
	}
	control.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := writeFrame(control, frame{Type: frameHello, NodeID: b.cfg.NodeID, Version: b.cfg.ProtocolVersion}); err != nil {
		sess.Close()
		return nil, b.handshakeError(ctx, cp, err)
	}
	reply, err := readFrame(control)
	if err != nil {
		sess.Close()
		return nil, b.handshakeError(ctx, cp, err)
	}
	switch reply.Type {
	case frameWelcome:
	case frameReject:
		sess.Close()
		return nil, rejectError(reply, b.cfg.ProtocolVersion)
	default:
		sess.Close()
		return nil, fmt.Errorf("handshake with %s: unexpected %s frame", cp, reply.Type)
	}
	if !stop() {
		return nil, fmt.Errorf("connect to %s: %w", cp, ctx.Err())
	}
	control.SetDeadline(time.Time{})

	ch := channel.New(b.cfg.ID, cp, false)
	p := b.newPeer(ch, sess, control)
	if !b.addPeer(p) {
		sess.Close()
		return nil, ErrBrokerStopped
	}
	p.establish(reply.NodeID)
	p.run()
	b.logger.Info("outgoing channel established",
		zap.String("channel", ch.ID()),
		zap.Stringer("contact", cp),
		zap.String("node", reply.NodeID))
	return ch, nil
}

func (b *Broker) handshakeError(ctx context.Context, cp channel.ContactPoint, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("connect to %s: %w", cp, ctx.Err())
	}
	return fmt.Errorf("handshake with %s: %w", cp, err)
}

func rejectError(f frame, local string) error {
	switch f.Reason {
	case rejectVersionMismatch:
		return fmt.Errorf("%w: remote speaks %q, local %q", failure.ErrVersionMismatch, f.Version, local)
	case rejectVersionMissing:
		return fmt.Errorf("%w: remote did not receive a version", failure.ErrVersionUndetectable)
	default:
		return fmt.Errorf("connection rejected by remote: %s", f.Reason)
	}
}

// Close closes ch gracefully: the peer is told the channel is going away
// before the session ends.
func (b *Broker) Close(ch *channel.Channel) error {
	p, err := b.peer(ch)
	if err != nil {
		return err
	}
	return p.closeGracefully()
}

// Break marks ch as broken and drops its session without a goodbye.
func (b *Broker) Break(ch *channel.Channel) error {
	p, err := b.peer(ch)
	if err != nil {
		return err
	}
	p.terminate(true, false)
	return p.sess.Close()
}

// Send delivers payload to the peer's inbox on its own stream.
func (b *Broker) Send(ctx context.Context, ch *channel.Channel, payload []byte) error {
	p, err := b.peer(ch)
	if err != nil {
		return err
	}
	stream, err := p.sess.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream on %s: %w", ch.ID(), err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(deadline)
	}
	return writeFrame(stream, frame{Type: frameMessage, Payload: payload})
}

// Ping measures the session round trip.
func (b *Broker) Ping(ctx context.Context, ch *channel.Channel) (time.Duration, error) {
	p, err := b.peer(ch)
	if err != nil {
		return 0, err
	}
	type result struct {
		rtt time.Duration
		err error
	}
	res := make(chan result, 1)
	go func() {
		rtt, err := p.sess.Ping()
		res <- result{rtt, err}
	}()
	select {
	case r := <-res:
		return r.rtt, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop closes the listener, announces shutdown to every inbox consumer and
// gives them the grace period to finish before all sessions are closed.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	ln, acceptDone := b.ln, b.acceptDone
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	if ln != nil {
		ln.Close()
		<-acceptDone
	}

	graceCtx, cancel := context.WithTimeout(ctx, b.cfg.Grace)
	defer cancel()

	for _, p := range peers {
		p.announceShutdown(graceCtx.Done())
	}
	drained := make(chan struct{})
	go func() {
		for _, p := range peers {
			<-p.consumerDone
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-graceCtx.Done():
		if ctx.Err() != nil {
			b.logger.Warn("broker stop interrupted; forcing shutdown", zap.Error(ctx.Err()))
		} else {
			b.logger.Warn("inbox consumers still busy after grace period; forcing shutdown",
				zap.Duration("grace", b.cfg.Grace))
		}
	}

	var g errgroup.Group
	for _, p := range peers {
		g.Go(p.closeGracefully)
	}
	err := g.Wait()
	b.logger.Info("broker stopped", zap.Int("channels", len(peers)))
	return err
}

func (b *Broker) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Broker) addPeer(p *peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.peers[p.ch.ID()] = p
	return true
}

func (b *Broker) removePeer(p *peer) {
	b.mu.Lock()
	if cur, ok := b.peers[p.ch.ID()]; ok && cur == p {
		delete(b.peers, p.ch.ID())
	}
	b.mu.Unlock()
}

func (b *Broker) peer(ch *channel.Channel) (*peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[ch.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch.ID())
	}
	return p, nil
}

func (b *Broker) yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(b.logger.Named("yamux"))
	return cfg
}

// closeAfterFlush gives a final frame a moment to reach the peer before
// the session goes away.
func closeAfterFlush(sess *yamux.Session) {
	time.AfterFunc(100*time.Millisecond, func() { sess.Close() })
}

func contactFromAddr(addr net.Addr, transportID string) channel.ContactPoint {
	cp := channel.ContactPoint{TransportID: transportID}
	if addr == nil {
		return cp
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		cp.Host = addr.String()
		return cp
	}
	cp.Host = host
	cp.Port, _ = strconv.Atoi(port)
	return cp
}
