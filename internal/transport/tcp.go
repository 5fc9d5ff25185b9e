package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/docker/go-connections/tlsconfig"
)

const TCPTransportID = "tcp"

var dialTimeout = 15 * time.Second

// TLSFiles locates PEM files for the TCP broker. TLS is enabled when both a
// certificate and a key are given.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (f TLSFiles) Enabled() bool {
	return f.CertFile != "" && f.KeyFile != ""
}

// NewTCP creates a broker carrying sessions over plain TCP, or TLS when
// files are configured.
func NewTCP(cfg Config, files TLSFiles) (*Broker, error) {
	if cfg.ID == "" {
		cfg.ID = TCPTransportID
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	listen := func(addr string) (net.Listener, error) {
		return net.Listen("tcp", addr)
	}
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	if files.Enabled() {
		serverCfg, err := tlsconfig.Server(tlsconfig.Options{
			CAFile:     files.CAFile,
			CertFile:   files.CertFile,
			KeyFile:    files.KeyFile,
			ClientAuth: tls.VerifyClientCertIfGiven,
		})
		if err != nil {
			return nil, fmt.Errorf("broker TLS server config: %w", err)
		}
		clientCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   files.CAFile,
			CertFile: files.CertFile,
			KeyFile:  files.KeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("broker TLS client config: %w", err)
		}
		listen = func(addr string) (net.Listener, error) {
			return tls.Listen("tcp", addr, serverCfg)
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: clientCfg}
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return tlsDialer.DialContext(ctx, "tcp", addr)
		}
	}
	return newBroker(cfg, listen, dial), nil
}
