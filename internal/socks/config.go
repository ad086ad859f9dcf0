package socks

import (
	"context"
	"net"
)

// DefaultAddr is the listen address used when Config.Addr is empty.
const DefaultAddr = "0.0.0.0:1080"

// Dialer opens outbound connections for CONNECT. *net.Dialer and every
// upstream in internal/dialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Listener opens the one-shot listening socket used by BIND.
// *net.ListenConfig satisfies it.
type Listener interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

// Resolver turns hostnames sent by clients into addresses. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config is shared read-only by every session of a Server. Build it once and
// don't modify it after handing it to NewServer or Negotiate.
type Config struct {
	// AllowSOCKS4 accepts SOCKS4 and SOCKS4a clients. SOCKS4 has no
	// authentication, so Methods does not apply to those clients.
	AllowSOCKS4 bool

	// Methods lists accepted SOCKS5 authentication methods in preference
	// order.
	Methods []Method

	// Addr is the listen address. Its host is also where BIND listeners are
	// opened.
	Addr string

	// KeepAlive is applied to accepted client connections. Nil keeps the
	// runtime's default.
	KeepAlive *net.KeepAliveConfig

	Dialer   Dialer
	Listener Listener
	Resolver Resolver
}

// WithDefaults returns a copy of c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if len(c.Methods) == 0 {
		c.Methods = []Method{NoAuth{}}
	} else {
		c.Methods = append([]Method(nil), c.Methods...)
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Listener == nil {
		c.Listener = &net.ListenConfig{}
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	return c
}

// defaulted returns c itself when nothing needs filling in, and a defaulted
// copy otherwise. A nil c yields the defaults.
func (c *Config) defaulted() *Config {
	if c != nil && c.Addr != "" && len(c.Methods) > 0 &&
		c.Dialer != nil && c.Listener != nil && c.Resolver != nil {
		return c
	}
	var d Config
	if c != nil {
		d = *c
	}
	d = d.WithDefaults()
	return &d
}

// bindHost is the host BIND listeners are opened on.
func (c *Config) bindHost() string {
	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return ""
	}
	return host
}
