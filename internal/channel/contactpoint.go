package channel

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ContactPoint identifies a remote endpoint reachable through a transport.
// It is a value type; two contact points are equal when all fields are.
type ContactPoint struct {
	Host        string
	Port        int
	TransportID string
}

// Address returns host:port.
func (cp ContactPoint) Address() string {
	return net.JoinHostPort(cp.Host, strconv.Itoa(cp.Port))
}

func (cp ContactPoint) String() string {
	return cp.TransportID + ":" + cp.Address()
}

// SameEndpoint reports whether both contact points target the same host and
// port, ignoring the transport.
func (cp ContactPoint) SameEndpoint(other ContactPoint) bool {
	return strings.EqualFold(cp.Host, other.Host) && cp.Port == other.Port
}

// ParseDefinition parses "transport:host:port" with an optional attribute
// suffix "(key=value,key=value)". IPv6 hosts must be bracketed.
func ParseDefinition(def string) (ContactPoint, map[string]string, error) {
	def = strings.TrimSpace(def)
	attrs := map[string]string{}

	if open := strings.IndexByte(def, '('); open >= 0 {
		if !strings.HasSuffix(def, ")") {
			return ContactPoint{}, nil, fmt.Errorf("contact point %q: unterminated attribute list", def)
		}
		for _, kv := range strings.Split(def[open+1:len(def)-1], ",") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return ContactPoint{}, nil, fmt.Errorf("contact point %q: attribute %q is not key=value", def, kv)
			}
			attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		def = strings.TrimSpace(def[:open])
	}

	transport, hostPort, ok := strings.Cut(def, ":")
	if !ok || transport == "" {
		return ContactPoint{}, nil, fmt.Errorf("contact point %q: missing transport id", def)
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return ContactPoint{}, nil, fmt.Errorf("contact point %q: %w", def, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ContactPoint{}, nil, fmt.Errorf("contact point %q: invalid port %q", def, portStr)
	}
	if host == "" {
		return ContactPoint{}, nil, fmt.Errorf("contact point %q: missing host", def)
	}
	return ContactPoint{Host: host, Port: port, TransportID: transport}, attrs, nil
}

// FormatDefinition is the inverse of ParseDefinition. Attributes are written
// in key order.
func FormatDefinition(cp ContactPoint, attrs map[string]string) string {
	def := cp.String()
	if len(attrs) == 0 {
		return def
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + attrs[k]
	}
	return def + "(" + strings.Join(pairs, ",") + ")"
}
