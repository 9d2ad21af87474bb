package email

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Mode chooses how the stream to the relay is secured.
type Mode int

const (
	// ModeAuto tries implicit TLS first and falls back to a plaintext
	// connection that must be upgraded with STARTTLS.
	ModeAuto Mode = iota
	// ModeImplicitTLS only dials with TLS from the first byte, as on port
	// 465.
	ModeImplicitTLS
	// ModeSTARTTLS dials in plaintext and always upgrades with STARTTLS.
	ModeSTARTTLS
	// ModeNone dials in plaintext and never upgrades. Only meant for relays
	// on a trusted network, e.g., a local test relay.
	ModeNone
)

// ParseMode reads a Mode from its configuration name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "tls", "implicit", "smtps":
		return ModeImplicitTLS, nil
	case "starttls":
		return ModeSTARTTLS, nil
	case "none", "plain", "unencrypted":
		return ModeNone, nil
	}
	return ModeAuto, fmt.Errorf(
		"%q is not a security mode--use auto, tls, starttls, or none",
		s,
	)
}

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeImplicitTLS:
		return "tls"
	case ModeSTARTTLS:
		return "starttls"
	case ModeNone:
		return "none"
	}
	return "unknown"
}

// Transport opens the byte stream to a relay. The Client only depends on
// this interface, so callers can wrap a Dialer with their own retry policy,
// instrumentation, or a fake.
//
// A returned *tls.Conn tells the Client that the stream is already
// encrypted.
type Transport interface {
	Connect(host string, port int) (net.Conn, error)
}

// Dialer is the Transport used by default.
type Dialer struct {
	Mode Mode
	// ConnectTimeout bounds everything Connect does: DNS resolution, every
	// TCP connect and, for implicit TLS, the handshake.
	ConnectTimeout time.Duration
	// TLSConfig is used for implicit TLS. ServerName defaults to the host.
	TLSConfig *tls.Config
}

// Connect implements Transport. It returns a *ConnectError if no attempt
// succeeds.
func (d Dialer) Connect(host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nd := &net.Dialer{}
	// Every attempt shares one budget, so auto mode can't take twice the
	// connect timeout to give up.
	if d.ConnectTimeout > 0 {
		nd.Deadline = time.Now().Add(d.ConnectTimeout)
	}
	ce := &ConnectError{Addr: addr}

	if d.Mode == ModeAuto || d.Mode == ModeImplicitTLS {
		nc, err := tls.DialWithDialer(nd, "tcp", addr, tlsConfigFor(d.TLSConfig, host))
		if err == nil {
			return nc, nil
		}
		ce.Attempts = append(ce.Attempts, fmt.Errorf("implicit TLS: %w", err))
		if d.Mode == ModeImplicitTLS {
			return nil, ce
		}
	}

	nc, err := nd.Dial("tcp", addr)
	if err != nil {
		ce.Attempts = append(ce.Attempts, fmt.Errorf("plaintext: %w", err))
		return nil, ce
	}
	return nc, nil
}

// tlsConfigFor returns a copy of c with ServerName filled in, or a fresh
// config if c is nil.
func tlsConfigFor(c *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if c == nil {
		cfg = &tls.Config{}
	} else {
		cfg = c.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}
