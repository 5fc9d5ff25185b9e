// Package filter decides whether an inbound peer may connect.
//
// The filter is an IP whitelist of addresses and CIDR ranges. An empty
// whitelist accepts every peer. Broker listeners consult it before they
// accept a transport connection.
package filter

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// ErrRejected is returned when a peer is blocked by the whitelist.
type ErrRejected struct {
	Peer string
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("connection from %s rejected: address not in whitelist", e.Peer)
}

// Whitelist is a parsed set of addresses and prefixes.
type Whitelist struct {
	Prefixes []netip.Prefix
	Addrs    []netip.Addr
	Raw      string
}

// ParseWhitelist parses a comma-separated list of IPs and CIDR ranges.
// An empty list yields nil, which allows everything.
func ParseWhitelist(csv string) (*Whitelist, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	w := &Whitelist{Raw: csv}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			w.Prefixes = append(w.Prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP address %q: %w", entry, err)
		}
		w.Addrs = append(w.Addrs, a.Unmap())
	}
	if len(w.Prefixes) == 0 && len(w.Addrs) == 0 {
		return nil, nil
	}
	return w, nil
}

// Allows reports whether ip is whitelisted. A nil whitelist allows all.
func (w *Whitelist) Allows(ip netip.Addr) bool {
	if w == nil {
		return true
	}
	ip = ip.Unmap()
	for _, p := range w.Prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	for _, a := range w.Addrs {
		if a == ip {
			return true
		}
	}
	return false
}

// Filter is a reloadable whitelist shared by all broker listeners.
type Filter struct {
	mu sync.RWMutex
	w  *Whitelist
}

// New creates a filter from a comma-separated whitelist.
func New(csv string) (*Filter, error) {
	f := &Filter{}
	if err := f.Configure(csv); err != nil {
		return nil, err
	}
	return f, nil
}

// Configure replaces the whitelist. On error the previous list stays active.
func (f *Filter) Configure(csv string) error {
	w, err := ParseWhitelist(csv)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.w = w
	f.mu.Unlock()
	return nil
}

// Raw returns the active whitelist as configured.
func (f *Filter) Raw() string {
	if f == nil {
		return ""
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.w == nil {
		return ""
	}
	return f.w.Raw
}

// Accept is a pure predicate over the peer address. A nil filter accepts
// every peer; addresses that carry no IP are rejected when a whitelist is
// active.
func (f *Filter) Accept(addr net.Addr) bool {
	if f == nil {
		return true
	}
	f.mu.RLock()
	w := f.w
	f.mu.RUnlock()
	if w == nil {
		return true
	}
	ip, ok := addrIP(addr)
	if !ok {
		return false
	}
	return w.Allows(ip)
}

// Check is Accept returning an *ErrRejected for blocked peers.
func (f *Filter) Check(addr net.Addr) error {
	if f.Accept(addr) {
		return nil
	}
	peer := "unknown"
	if addr != nil {
		peer = addr.String()
	}
	return &ErrRejected{Peer: peer}
}

func addrIP(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case nil:
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
