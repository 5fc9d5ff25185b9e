package sshkeys

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// FingerprintMismatchError is returned when a host key does not match the
// pinned fingerprint.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s", e.Host, e.Expected, e.Actual)
}

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of an SSH public
// key in authorized_keys format (e.g. "ssh-ed25519 AAAA...").
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// VerifyFingerprint checks publicKey against expected. An empty expected
// fingerprint always passes.
func VerifyFingerprint(publicKey []byte, expected string) error {
	if expected == "" {
		return nil
	}
	actual, err := GetPublicKeyFingerprint(publicKey)
	if err != nil {
		return fmt.Errorf("verify fingerprint: %w", err)
	}
	if actual != expected {
		return &FingerprintMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// HostKeyRecord holds the fingerprint a PinnedHostKeyCallback saw.
type HostKeyRecord struct {
	mu     sync.Mutex
	actual string
}

func (r *HostKeyRecord) Fingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actual
}

// PinnedHostKeyCallback returns a host key callback that trusts on first use
// when expected is empty and otherwise rejects any other key. The presented
// fingerprint is stored in the returned record either way.
func PinnedHostKeyCallback(expected string, logger *zap.Logger) (ssh.HostKeyCallback, *HostKeyRecord) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := &HostKeyRecord{}
	cb := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		rec.mu.Lock()
		rec.actual = actual
		rec.mu.Unlock()
		if expected != "" && expected != actual {
			logger.Warn("host key fingerprint changed",
				zap.String("host", hostname),
				zap.String("expected", expected),
				zap.String("actual", actual))
			return &FingerprintMismatchError{Host: hostname, Expected: expected, Actual: actual}
		}
		return nil
	}
	return cb, rec
}
