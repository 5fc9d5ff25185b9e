package sshsetup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/nodelink/internal/failure"
)

// ServerVersion builds the identification string a node's SSH server
// announces, e.g. "SSH-2.0-nodelink_1.0".
func ServerVersion(product, protocolVersion string) string {
	return "SSH-2.0-" + product + "_" + protocolVersion
}

// checkVersion compares the "<major>.<minor>" token after the last
// underscore of the server identification with required. An empty required
// version disables the check.
func checkVersion(serverVersion, required string) error {
	if required == "" {
		return nil
	}
	wantMajor, wantMinor, err := parseMajorMinor(required)
	if err != nil {
		return fmt.Errorf("required protocol version %q: %w", required, err)
	}

	software := strings.TrimPrefix(serverVersion, "SSH-2.0-")
	if i := strings.IndexByte(software, ' '); i >= 0 {
		software = software[:i]
	}
	i := strings.LastIndexByte(software, '_')
	if i < 0 {
		return fmt.Errorf("server identification %q: %w", serverVersion, failure.ErrVersionUndetectable)
	}
	major, minor, err := parseMajorMinor(software[i+1:])
	if err != nil {
		return fmt.Errorf("server identification %q: %w", serverVersion, failure.ErrVersionUndetectable)
	}
	if major != wantMajor || minor != wantMinor {
		return fmt.Errorf("remote version %d.%d, required %d.%d: %w", major, minor, wantMajor, wantMinor, failure.ErrVersionMismatch)
	}
	return nil
}

func parseMajorMinor(v string) (int, int, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("version %q has no minor component", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("version %q: %w", v, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("version %q: %w", v, err)
	}
	return major, minor, nil
}
