// Package failure classifies connection attempt errors into the reasons
// shown to users and decides whether an automatic retry can help.
package failure

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

type Class int

const (
	NetworkUnreachable Class = iota
	UnknownHost
	AuthenticationFailure
	KeyFileAuthenticationFailure
	InvalidKey
	ProtocolVersionIncompatible
	VersionUndetectable
)

func (c Class) String() string {
	switch c {
	case NetworkUnreachable:
		return "network-unreachable"
	case UnknownHost:
		return "unknown-host"
	case AuthenticationFailure:
		return "authentication-failure"
	case KeyFileAuthenticationFailure:
		return "key-file-authentication-failure"
	case InvalidKey:
		return "invalid-key"
	case ProtocolVersionIncompatible:
		return "protocol-version-incompatible"
	case VersionUndetectable:
		return "version-undetectable"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// PermitsRetry reports whether retrying with the same credentials and
// software can possibly succeed.
func (c Class) PermitsRetry() bool {
	return c == NetworkUnreachable || c == UnknownHost
}

// Error is a classified connection failure.
type Error struct {
	Class Class
	// Reason is a human-readable explanation suitable for users.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit class, using the class's default reason.
func New(class Class, err error) *Error {
	return &Error{Class: class, Reason: defaultReason(class), Err: err}
}

// Errorf creates a classified failure with a custom reason.
func Errorf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Reason: fmt.Sprintf(format, args...)}
}

// ErrVersionMismatch and ErrVersionUndetectable are returned by protocol
// compatibility checks that run after a successful handshake.
var (
	ErrVersionMismatch     = errors.New("incompatible protocol version")
	ErrVersionUndetectable = errors.New("remote protocol version could not be determined")
)

// Classify maps a raw connection error to a classified failure. Errors that
// are already classified are returned as is. Anything unrecognised is
// treated as a network failure, which permits retry.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, ErrVersionMismatch):
		return New(ProtocolVersionIncompatible, err)
	case errors.Is(err, ErrVersionUndetectable):
		return New(VersionUndetectable, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || !dnsErr.IsTemporary) {
		return New(UnknownHost, err)
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return New(KeyFileAuthenticationFailure, err)
	}
	if errors.Is(err, x509.IncorrectPasswordError) {
		return New(KeyFileAuthenticationFailure, err)
	}

	msg := err.Error()
	switch {
	case isHostKeyMismatch(err):
		return &Error{Class: AuthenticationFailure, Reason: "The host key of the remote instance does not match the pinned fingerprint", Err: err}
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "Auth fail"):
		return New(AuthenticationFailure, err)
	case strings.Contains(msg, "decryption password incorrect"):
		return New(KeyFileAuthenticationFailure, err)
	case strings.Contains(msg, "no key found"), strings.Contains(msg, "invalid privatekey"),
		strings.Contains(msg, "unsupported key type"):
		return New(InvalidKey, err)
	}

	// Dial errors, timeouts and resets all end up here.
	return New(NetworkUnreachable, err)
}

// ClassifyLogin is Classify for a login attempt. When the login used a key
// file, credentials rejected by the server are reported as a key file
// authentication failure. A host key mismatch stays an authentication
// failure.
func ClassifyLogin(err error, usedKeyFile bool) *Error {
	fe := Classify(err)
	if fe == nil || !usedKeyFile || fe.Class != AuthenticationFailure || isHostKeyMismatch(err) {
		return fe
	}
	var classified *Error
	if errors.As(err, &classified) {
		return fe
	}
	return New(KeyFileAuthenticationFailure, err)
}

func isHostKeyMismatch(err error) bool {
	return strings.Contains(err.Error(), "host key fingerprint mismatch")
}

func defaultReason(c Class) string {
	switch c {
	case NetworkUnreachable:
		return "The remote instance could not be reached. Probably the hostname or port is wrong or the instance is not running"
	case UnknownHost:
		return "No host with this name could be found"
	case AuthenticationFailure:
		return "Authentication failed. Probably the user name or passphrase is wrong or the user is not registered on the remote instance"
	case KeyFileAuthenticationFailure:
		return "Authentication failed. Probably the passphrase for the key file is wrong or missing"
	case InvalidKey:
		return "The private key file is invalid or has an unsupported format"
	case ProtocolVersionIncompatible:
		return "The remote instance uses an incompatible protocol version"
	case VersionUndetectable:
		return "The protocol version of the remote instance could not be determined"
	default:
		return "Connection failed"
	}
}
