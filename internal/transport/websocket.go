package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	WebSocketTransportID = "ws"
	webSocketPath        = "/broker"
	webSocketReadLimit   = 4 << 20
)

// NewWebSocket creates a broker whose sessions run over websocket
// connections, for peers that can only reach this node through HTTP.
func NewWebSocket(cfg Config) *Broker {
	if cfg.ID == "" {
		cfg.ID = WebSocketTransportID
	}
	return newBroker(cfg, listenWebSocket, dialWebSocket)
}

func dialWebSocket(ctx context.Context, addr string) (net.Conn, error) {
	wsConn, _, err := websocket.Dial(ctx, "ws://"+addr+webSocketPath, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", addr, err)
	}
	wsConn.SetReadLimit(webSocketReadLimit)
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

// wsListener adapts an HTTP server accepting websocket upgrades to the
// net.Listener the broker accept loop consumes.
type wsListener struct {
	tcp   net.Listener
	srv   *http.Server
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func listenWebSocket(addr string) (net.Listener, error) {
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		tcp:   tcp,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(webSocketPath, l.handle)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go l.srv.Serve(tcp)
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	wsConn.SetReadLimit(webSocketReadLimit)
	conn := &addrConn{
		Conn:   websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary),
		remote: parseRemoteAddr(r.RemoteAddr),
	}
	select {
	case l.conns <- conn:
	case <-l.done:
		wsConn.Close(websocket.StatusGoingAway, "broker stopped")
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.tcp.Addr() }

// addrConn reports the HTTP peer address, which the websocket net.Conn
// wrapper does not carry.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

func parseRemoteAddr(s string) net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", s); err == nil {
		return addr
	}
	return &net.TCPAddr{}
}
