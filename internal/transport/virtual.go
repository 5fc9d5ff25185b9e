package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
)

const VirtualTransportID = "virtual"

// VirtualNetwork connects brokers living in the same process over in-memory
// pipes. It lets tests and single-process deployments exercise the full
// broker without sockets, and can inject dial failures.
type VirtualNetwork struct {
	mu        sync.Mutex
	listeners map[string]*virtualListener
	failures  map[string]error
}

func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{
		listeners: make(map[string]*virtualListener),
		failures:  make(map[string]error),
	}
}

// NewVirtual creates a broker attached to n.
func NewVirtual(cfg Config, n *VirtualNetwork) *Broker {
	if cfg.ID == "" {
		cfg.ID = VirtualTransportID
	}
	return newBroker(cfg, n.listen, n.dial)
}

// FailDial makes dials to addr fail with err. A nil err clears the failure.
func (n *VirtualNetwork) FailDial(addr string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, addr)
		return
	}
	n.failures[addr] = err
}

func (n *VirtualNetwork) listen(addr string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("virtual address %s: %w", addr, syscall.EADDRINUSE)
	}
	l := &virtualListener{
		net:   n,
		addr:  virtualAddr(addr),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

func (n *VirtualNetwork) dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	failure := n.failures[addr]
	l := n.listeners[addr]
	n.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if l == nil {
		return nil, &net.OpError{Op: "dial", Net: "virtual", Addr: virtualAddr(addr), Err: syscall.ECONNREFUSED}
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, &net.OpError{Op: "dial", Net: "virtual", Addr: virtualAddr(addr), Err: syscall.ECONNREFUSED}
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type virtualListener struct {
	net   *VirtualNetwork
	addr  virtualAddr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *virtualListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *virtualListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, string(l.addr))
		l.net.mu.Unlock()
	})
	return nil
}

func (l *virtualListener) Addr() net.Addr { return l.addr }

type virtualAddr string

func (a virtualAddr) Network() string { return "virtual" }
func (a virtualAddr) String() string { return string(a) }

// ErrVirtualUnreachable can be injected with FailDial to simulate an
// unreachable peer.
var ErrVirtualUnreachable = errors.New("virtual peer unreachable")
