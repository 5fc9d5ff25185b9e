package sshsetup

import (
	"fmt"
	"strings"
	"time"
)

const defaultPort = 22

// Params configure an SSH connection setup. A key file authenticates with
// public key auth, its passphrase decrypting the file; without a key file
// the passphrase is sent as the account password.
type Params struct {
	Name             string `json:"name"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	User             string `json:"user"`
	KeyFile          string `json:"key_file,omitempty"`
	UsePassphrase    bool   `json:"use_passphrase"`
	StorePassphrase  bool   `json:"store_passphrase"`
	ConnectOnStartup bool   `json:"connect_on_startup"`
	AutoRetry        bool   `json:"auto_retry"`
	// HostKeyFingerprint pins the server's host key; empty trusts the
	// first key seen.
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty"`
}

func (p *Params) normalize() error {
	p.Host = strings.TrimSpace(p.Host)
	p.User = strings.TrimSpace(p.User)
	if p.Host == "" {
		return fmt.Errorf("ssh setup: host is required")
	}
	if p.User == "" {
		return fmt.Errorf("ssh setup: user is required")
	}
	if p.Port == 0 {
		p.Port = defaultPort
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("ssh setup: invalid port %d", p.Port)
	}
	if p.Name == "" {
		p.Name = p.User + "@" + p.Host
	}
	return nil
}

// Status is a side-effect free snapshot of a setup for display.
type Status struct {
	ID                  string    `json:"id"`
	Params              Params    `json:"params"`
	Connected           bool      `json:"connected"`
	Connecting          bool      `json:"connecting"`
	WaitingForRetry     bool      `json:"waiting_for_retry"`
	NextRetry           time.Time `json:"next_retry,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	ServerVersion       string    `json:"server_version,omitempty"`
	SeenFingerprint     string    `json:"seen_fingerprint,omitempty"`
	ConnectedAt         time.Time `json:"connected_at,omitempty"`
}
