package filter

import (
	"errors"
	"net"
	"net/netip"
	"testing"
)

func TestParseWhitelist(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantNil  bool
		wantErr  bool
		prefixes int
		addrs    int
	}{
		{name: "empty", input: "", wantNil: true},
		{name: "whitespace and commas", input: " , ,", wantNil: true},
		{name: "single ip", input: "10.0.0.1", addrs: 1},
		{name: "mixed", input: "10.0.0.0/8, 192.168.1.7,fd00::/8", prefixes: 2, addrs: 1},
		{name: "bad cidr", input: "10.0.0.0/33", wantErr: true},
		{name: "bad ip", input: "10.0.0.256", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWhitelist(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWhitelist: %v", err)
			}
			if tt.wantNil {
				if w != nil {
					t.Errorf("got %+v, want nil", w)
				}
				return
			}
			if len(w.Prefixes) != tt.prefixes || len(w.Addrs) != tt.addrs {
				t.Errorf("prefixes=%d addrs=%d, want %d/%d", len(w.Prefixes), len(w.Addrs), tt.prefixes, tt.addrs)
			}
		})
	}
}

func TestAccept(t *testing.T) {
	f, err := New("10.0.0.0/8, 192.168.1.7, ::1")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr net.Addr
		want bool
	}{
		{&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5000}, true},
		{&net.TCPAddr{IP: net.ParseIP("192.168.1.7"), Port: 5000}, true},
		{&net.TCPAddr{IP: net.ParseIP("192.168.1.8"), Port: 5000}, false},
		{&net.TCPAddr{IP: net.ParseIP("::ffff:10.0.0.9"), Port: 5000}, true},
		{&net.TCPAddr{IP: net.ParseIP("::1"), Port: 5000}, true},
		{&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := f.Accept(tt.addr); got != tt.want {
			t.Errorf("Accept(%v) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNilAndEmptyFilterAcceptAll(t *testing.T) {
	var nilFilter *Filter
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1}
	if !nilFilter.Accept(addr) {
		t.Error("nil filter rejected a peer")
	}
	empty, _ := New("")
	if !empty.Accept(addr) || !empty.Accept(nil) {
		t.Error("empty filter rejected a peer")
	}
}

func TestConfigureKeepsPreviousOnError(t *testing.T) {
	f, _ := New("10.0.0.1")
	if err := f.Configure("not-an-ip"); err == nil {
		t.Fatal("expected error")
	}
	if f.Raw() != "10.0.0.1" {
		t.Errorf("Raw() = %q, want previous whitelist", f.Raw())
	}

	err := f.Check(&net.TCPAddr{IP: net.ParseIP("10.0.0.2")})
	var rejected *ErrRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("Check = %v, want *ErrRejected", err)
	}
}

func TestWhitelistAllowsNil(t *testing.T) {
	var w *Whitelist
	if !w.Allows(netip.MustParseAddr("1.2.3.4")) {
		t.Error("nil whitelist should allow everything")
	}
}
