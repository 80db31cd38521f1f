package core

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPort is appended to hosts given without one.
const DefaultPort = "6070"

// ---------------------------------------------------------------------------
// Connection String Parser
// ---------------------------------------------------------------------------
//
// spikesim connection strings are URI-style:
//
//   spikesim://[user:password@]host[:port][/sessionID]
//
// Examples:
//   spikesim://localhost:6070
//   spikesim://localhost/3f0e4c1a-6a0b-4b8e-9d3f-2b1c0a9e8d7f
//   spikesim+tls://sim.example.com:443
//
// The session segment, when present, must be a UUID and selects the session
// every subsequent command is sent to.

// ConnInfo holds parsed connection string components.
type ConnInfo struct {
	// Scheme is "spikesim" or "spikesim+tls".
	Scheme string

	// User and Password are optional credentials forwarded as basic auth.
	User     string
	Password string

	// Host is host:port, always with a port.
	Host string

	// SessionID is the optional default session.
	SessionID SessionID

	// TLS is true when the scheme is "spikesim+tls".
	TLS bool
}

// ParseConnString parses a spikesim connection string.
func ParseConnString(raw string) (*ConnInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("connection string must not be empty")
	}

	info := &ConnInfo{}
	switch {
	case strings.HasPrefix(raw, "spikesim+tls://"):
		info.Scheme = "spikesim+tls"
		info.TLS = true
	case strings.HasPrefix(raw, "spikesim://"):
		info.Scheme = "spikesim"
	default:
		return nil, fmt.Errorf("connection string must start with spikesim:// or spikesim+tls://, got: %s", raw)
	}

	// net/url only needs a scheme it can treat as hierarchical
	normalized := strings.Replace(raw, info.Scheme+"://", "http://", 1)
	parsed, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	if parsed.User != nil {
		info.User = parsed.User.Username()
		info.Password, _ = parsed.User.Password()
	}

	host := parsed.Host
	if host == "" {
		return nil, fmt.Errorf("connection string must contain a host")
	}
	if strings.Contains(host, ",") {
		return nil, fmt.Errorf("connection string must contain exactly one host, got %q", host)
	}
	if parsed.Port() == "" {
		host = strings.TrimSuffix(host, ":") + ":" + DefaultPort
	}
	info.Host = host

	if path := strings.Trim(parsed.Path, "/"); path != "" {
		id, err := ParseSessionID(path)
		if err != nil {
			return nil, fmt.Errorf("invalid connection string: %w", err)
		}
		info.SessionID = id
	}

	return info, nil
}

// String reconstructs the connection string (password masked).
func (c *ConnInfo) String() string {
	var sb strings.Builder
	sb.WriteString(c.Scheme)
	sb.WriteString("://")

	if c.User != "" {
		sb.WriteString(c.User)
		if c.Password != "" {
			sb.WriteString(":***")
		}
		sb.WriteByte('@')
	}

	sb.WriteString(c.Host)

	if c.SessionID != "" {
		sb.WriteByte('/')
		sb.WriteString(string(c.SessionID))
	}

	return sb.String()
}

// BaseURL returns the HTTP(S) base URL for the host.
func (c *ConnInfo) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Host)
}
