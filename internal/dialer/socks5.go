package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5 dials through an upstream SOCKS5 proxy with the CONNECT command,
// authenticating with username/password when a username is set.
type SOCKS5 struct {
	cfg      Config
	addr     string
	username string
	password string
	direct   *Direct
}

func NewSOCKS5(cfg Config, addr, username, password string) *SOCKS5 {
	return &SOCKS5{
		cfg:      cfg,
		addr:     addr,
		username: username,
		password: password,
		direct:   NewDirect(cfg),
	}
}

func (d *SOCKS5) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 upstream dial %s %s: unsupported network", network, address)
	}

	conn, err := d.direct.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 upstream: %w", err)
	}

	err = negotiate(ctx, d.cfg, conn, func(c net.Conn) error {
		if err := d.authenticate(c); err != nil {
			return err
		}
		return connect(c, address)
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 upstream %s: %w", d.addr, err)
	}
	return conn, nil
}

func (d *SOCKS5) authenticate(conn net.Conn) error {
	methods := []byte{txsocks5.MethodNone}
	if d.username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if d.username == "" {
			return errors.New("server requires username/password")
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(d.username), []byte(d.password))
		if _, err := req.WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return errors.New("authentication failed")
		}
		return nil
	default:
		return fmt.Errorf("no acceptable authentication method (server chose %#x)", neg.Method)
	}
}

func connect(conn net.Conn, address string) error {
	atyp, addr, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return readReply(conn, address)
}

// readReply consumes a CONNECT reply. Failure replies may stop after the
// status byte, so the bound address is only read on success.
func readReply(r io.Reader, address string) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return fmt.Errorf("read reply: unexpected version %d", hdr[0])
	}
	if hdr[1] != txsocks5.RepSuccess {
		return fmt.Errorf("connect %s: reply code %d", address, hdr[1])
	}

	// rsv, atyp and the first byte of the address.
	b := make([]byte, 3)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	var n int
	switch b[1] {
	case txsocks5.ATYPIPv4:
		n = net.IPv4len - 1
	case txsocks5.ATYPIPv6:
		n = net.IPv6len - 1
	case txsocks5.ATYPDomain:
		n = int(b[2])
	default:
		return fmt.Errorf("read reply: unknown address type %d", b[1])
	}
	// Remaining address bytes plus the port.
	if _, err := io.CopyN(io.Discard, r, int64(n+2)); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	return nil
}
