package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/nodelink/internal/channel"
)

// peer is the broker side of one channel.
type peer struct {
	b       *Broker
	ch      *channel.Channel
	sess    *yamux.Session
	control net.Conn
	logger  *zap.Logger

	writeMu sync.Mutex
	// reportMu orders the established report before any terminated report.
	reportMu sync.Mutex

	inbox        chan frame
	consumerDone chan struct{}
}

func (b *Broker) newPeer(ch *channel.Channel, sess *yamux.Session, control net.Conn) *peer {
	return &peer{
		b:            b,
		ch:           ch,
		sess:         sess,
		control:      control,
		logger:       b.logger.With(zap.String("channel", ch.ID())),
		inbox:        make(chan frame, b.cfg.InboxSize),
		consumerDone: make(chan struct{}),
	}
}

func (p *peer) run() {
	go p.readControl()
	go p.acceptStreams()
	go p.consume()
	go p.watch()
}

func (p *peer) establish(remoteNode string) bool {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	if !p.ch.MarkEstablished(remoteNode) {
		return false
	}
	if p.b.cfg.Sink != nil {
		p.b.cfg.Sink.ChannelEstablished(p.ch)
	}
	return true
}

// terminate moves the channel to its terminal state and reports it. Only
// the first caller wins.
func (p *peer) terminate(broken, byRemote bool) bool {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	var ok bool
	if broken {
		ok = p.ch.MarkAsBroken()
	} else {
		ok = p.ch.MarkClosed(byRemote)
	}
	if !ok {
		return false
	}
	p.b.removePeer(p)
	if p.b.cfg.Sink != nil {
		p.b.cfg.Sink.ChannelTerminated(p.ch)
	}
	p.logger.Info("channel terminated",
		zap.Stringer("state", p.ch.State()),
		zap.Bool("by_remote", byRemote))
	return true
}

func (p *peer) readControl() {
	for {
		f, err := readFrame(p.control)
		if err != nil {
			if !isSessionClosed(err) {
				p.logger.Debug("control stream ended", zap.Error(err))
			}
			return
		}
		switch f.Type {
		case frameGoodbye:
			p.terminate(false, true)
			p.sess.Close()
			return
		default:
			p.logger.Warn("unexpected control frame", zap.Stringer("frame", f.Type))
		}
	}
}

func (p *peer) acceptStreams() {
	for {
		stream, err := p.sess.AcceptStream()
		if err != nil {
			if !isSessionClosed(err) {
				p.logger.Warn("accept stream failed", zap.Error(err))
			}
			return
		}
		go p.receive(stream)
	}
}

func (p *peer) receive(stream *yamux.Stream) {
	defer stream.Close()
	stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	f, err := readFrame(stream)
	if err != nil {
		p.logger.Debug("message stream failed", zap.Error(err))
		return
	}
	if f.Type != frameMessage {
		p.logger.Warn("unexpected frame on message stream", zap.Stringer("frame", f.Type))
		return
	}
	select {
	case p.inbox <- f:
	case <-p.sess.CloseChan():
	}
}

// consume drains the inbox until the poison frame arrives or the session
// closes.
func (p *peer) consume() {
	defer close(p.consumerDone)
	for {
		select {
		case f := <-p.inbox:
			if f.Type == frameShutdown {
				p.logger.Debug("inbox consumer received shutdown")
				return
			}
			p.handle(f.Payload)
		case <-p.sess.CloseChan():
			return
		}
	}
}

func (p *peer) handle(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if p.b.cfg.Handler != nil {
		p.b.cfg.Handler(p.ch, payload)
	}
}

func (p *peer) watch() {
	<-p.sess.CloseChan()
	p.terminate(true, false)
}

// announceShutdown puts the poison frame into the inbox, giving up when the
// consumer already exited or the deadline passes.
func (p *peer) announceShutdown(deadline <-chan struct{}) {
	select {
	case p.inbox <- frame{Type: frameShutdown}:
	case <-p.consumerDone:
	case <-deadline:
	}
}

func (p *peer) closeGracefully() error {
	p.writeMu.Lock()
	p.control.SetWriteDeadline(time.Now().Add(goodbyeWait))
	err := writeFrame(p.control, frame{Type: frameGoodbye})
	p.writeMu.Unlock()

	p.terminate(false, false)
	if err == nil {
		select {
		case <-p.sess.CloseChan():
		case <-time.After(goodbyeWait):
		}
	}
	if cerr := p.sess.Close(); cerr != nil && !isSessionClosed(cerr) {
		return cerr
	}
	return nil
}

func isSessionClosed(err error) bool {
	return errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
