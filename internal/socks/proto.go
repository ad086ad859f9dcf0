package socks

import (
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

// Version is the SOCKS protocol version selected by the first byte a client
// sends. It decides every wire format choice for the rest of the connection.
type Version byte

const (
	Version4 Version = 4
	Version5 Version = 5
)

// SOCKS4 reply status codes.
const (
	socks4Granted  byte = 90
	socks4Rejected byte = 91
)

// SOCKS5 reply status codes and method selection values.
const (
	socks5Reserved            byte = 0x00
	socks5NoAcceptableMethods byte = 0xff
	socks5AddrNotSupported    byte = 0x08
)

// ParseVersion maps the first byte of a connection to a Version.
func ParseVersion(b byte) (Version, error) {
	switch v := Version(b); v {
	case Version4, Version5:
		return v, nil
	default:
		return 0, protocolErrorf(nil, "invalid version %d", b)
	}
}

func (v Version) String() string {
	switch v {
	case Version4:
		return "socks4"
	case Version5:
		return "socks5"
	default:
		return fmt.Sprintf("socks(%d)", byte(v))
	}
}

// ReplyVersion is the first byte of every reply frame. SOCKS4 replies carry
// a null version byte.
func (v Version) ReplyVersion() byte {
	if v == Version4 {
		return 0
	}
	return byte(v)
}

// SuccessCode is the status byte of a granted request.
func (v Version) SuccessCode() byte {
	if v == Version4 {
		return socks4Granted
	}
	return txsocks5.RepSuccess
}

// UnreachableCode is the status byte sent when the destination can't be
// reached. SOCKS4 has a single generic failure code.
func (v Version) UnreachableCode() byte {
	if v == Version4 {
		return socks4Rejected
	}
	return txsocks5.RepHostUnreachable
}

// RefusedCode is the status byte sent when a connection is refused.
func (v Version) RefusedCode() byte {
	if v == Version4 {
		return socks4Rejected
	}
	return txsocks5.RepConnectionRefused
}

// unsupportedCode is the status byte for a command the server won't run.
func (v Version) unsupportedCode() byte {
	if v == Version4 {
		return socks4Rejected
	}
	return txsocks5.RepCommandNotSupported
}

// Command is the request command of a SOCKS request.
type Command byte

const (
	CmdConnect      Command = 1
	CmdBind         Command = 2
	CmdUDPAssociate Command = 3
)

// ParseCommand maps a command byte to a Command. SOCKS4 has no UDP
// ASSOCIATE, so the byte 3 is rejected for it.
func ParseCommand(v Version, b byte) (Command, error) {
	switch c := Command(b); c {
	case CmdConnect, CmdBind:
		return c, nil
	case CmdUDPAssociate:
		if v == Version5 {
			return c, nil
		}
	}
	return 0, protocolErrorf(nil, "invalid %s command %d", v, b)
}

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp-associate"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// AddrType is the SOCKS5 address type byte. SOCKS4 addresses are always IPv4.
type AddrType byte

const (
	AddrIPv4     AddrType = 1
	AddrHostname AddrType = 3
	AddrIPv6     AddrType = 4
)

// ParseAddrType maps a SOCKS5 address type byte to an AddrType.
func ParseAddrType(b byte) (AddrType, error) {
	switch t := AddrType(b); t {
	case AddrIPv4, AddrHostname, AddrIPv6:
		return t, nil
	default:
		return 0, protocolErrorf(nil, "invalid address type %d", b)
	}
}
