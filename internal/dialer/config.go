package dialer

import (
	"net"
	"time"
)

// Config holds the settings shared by every connector.
type Config struct {
	// DialTimeout bounds the TCP connect to the destination or upstream.
	// Zero means no timeout.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the handshake with an upstream proxy (TLS,
	// CONNECT, SOCKS5 or SSH). Zero means no timeout.
	NegotiationTimeout time.Duration

	// KeepAlive applies to outbound TCP connections. Probes are off unless
	// Enable is set.
	KeepAlive net.KeepAliveConfig

	// SSHKeyPath is "agent", a private key file, or empty for none.
	SSHKeyPath string

	// SSHKnownHostsPath enables trust-on-first-use host key checking. Empty
	// disables host key checking.
	SSHKnownHostsPath string
}
