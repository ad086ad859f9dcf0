package socks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// maxStringLen bounds the NUL-terminated user id and hostname fields of
// SOCKS4 requests.
const maxStringLen = 1024

// Request is a parsed SOCKS request.
type Request struct {
	Command Command
	IP      net.IP
	Port    int
	// Host is the hostname the client sent, if any. IP holds what it
	// resolved to.
	Host string
}

// Addr returns the resolved destination as host:port.
func (r Request) Addr() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(r.Port))
}

func (r Request) String() string {
	if r.Host != "" {
		return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	}
	return r.Addr()
}

// Result is the outcome of a successful handshake. Host is the other end of
// the proxied connection and belongs to the caller.
type Result struct {
	Version Version
	Request Request
	Host    net.Conn
}

// handshake carries per-connection state for a single Negotiate call.
type handshake struct {
	rw      *bufio.ReadWriter
	cfg     *Config
	version Version
}

// Negotiate runs the server side of a SOCKS4, SOCKS4a or SOCKS5 handshake on
// rw: version detection, authentication, request parsing and command
// dispatch. Unset fields of cfg take their WithDefaults values.
//
// On success the client has been sent its final reply and Result.Host is
// connected to the destination. On failure, any reply the protocol defines
// for the failure has already been written (best effort) and the returned
// error is a *ProtocolError, *ConnectivityError or *AuthenticationError, or
// an I/O error from the client connection.
func Negotiate(ctx context.Context, rw *bufio.ReadWriter, cfg *Config) (Result, error) {
	cfg = cfg.defaulted()

	b, err := rw.ReadByte()
	if err != nil {
		return Result{}, fmt.Errorf("read version: %w", err)
	}
	v, err := ParseVersion(b)
	if err != nil {
		return Result{}, err
	}

	h := &handshake{rw: rw, cfg: cfg, version: v}

	switch v {
	case Version4:
		if !cfg.AllowSOCKS4 {
			_ = h.reply(socks4Rejected)
			return Result{}, protocolErrorf(nil, "socks4 not allowed")
		}
	case Version5:
		if _, err := selectMethod(rw, cfg.Methods); err != nil {
			return Result{}, err
		}
		b, err := rw.ReadByte()
		if err != nil {
			return Result{}, fmt.Errorf("read request version: %w", err)
		}
		if Version(b) != v {
			return Result{}, protocolErrorf(nil, "inconsistent versions: request version %d after %s", b, v)
		}
	}

	req, err := h.readRequest(ctx)
	if err != nil {
		return Result{}, err
	}

	var host net.Conn
	switch req.Command {
	case CmdConnect:
		host, err = h.connect(ctx, req)
	case CmdBind:
		host, err = h.bind(ctx, req)
	case CmdUDPAssociate:
		if v != Version5 {
			return Result{}, fmt.Errorf("%s request dispatched as %s", v, req.Command)
		}
		_ = h.reply(v.unsupportedCode())
		err = protocolErrorf(nil, "unsupported command %s", req.Command)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{Version: v, Request: req, Host: host}, nil
}

func (h *handshake) readRequest(ctx context.Context) (Request, error) {
	b, err := h.rw.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("read command: %w", err)
	}
	cmd, err := ParseCommand(h.version, b)
	if err != nil {
		_ = h.reply(h.version.unsupportedCode())
		return Request{}, err
	}

	if h.version == Version5 {
		if _, err := h.rw.ReadByte(); err != nil {
			return Request{}, fmt.Errorf("read reserved: %w", err)
		}
	}

	ip, port, host, err := readAddrPort(ctx, h.rw.Reader, h.version, h.cfg.Resolver)
	if err != nil {
		h.replyReadFailure(err)
		return Request{}, err
	}

	if h.version == Version4 {
		if _, err := readNulString(h.rw.Reader); err != nil {
			return Request{}, fmt.Errorf("read user id: %w", err)
		}
		if isSOCKS4a(ip) {
			if host, err = readNulString(h.rw.Reader); err != nil {
				return Request{}, fmt.Errorf("read socks4a hostname: %w", err)
			}
			if ip, err = resolve(ctx, h.cfg.Resolver, host); err != nil {
				h.replyReadFailure(err)
				return Request{}, err
			}
		}
	}

	return Request{Command: cmd, IP: ip, Port: port, Host: host}, nil
}

func (h *handshake) replyReadFailure(err error) {
	var ce *ConnectivityError
	switch {
	case errors.Is(err, errUnknownAddrType):
		_ = h.reply(socks5AddrNotSupported)
	case errors.As(err, &ce):
		_ = h.reply(h.version.UnreachableCode())
	}
}

func (h *handshake) connect(ctx context.Context, req Request) (net.Conn, error) {
	addr := req.Addr()
	conn, err := h.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = h.reply(h.version.UnreachableCode())
		return nil, connectivityErrorf(err, "connect %s", req)
	}

	if err := h.replyAddr(h.version.SuccessCode(), conn.LocalAddr()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write connect reply: %w", err)
	}
	return conn, nil
}

// bind opens a one-shot listener, tells the client where it is, and waits
// for a single inbound connection from the requested address. Only the
// address is compared; the port the peer connects from is not checked.
func (h *handshake) bind(ctx context.Context, req Request) (net.Conn, error) {
	ln, err := h.cfg.Listener.Listen(ctx, "tcp", net.JoinHostPort(h.cfg.bindHost(), "0"))
	if err != nil {
		_ = h.reply(h.version.UnreachableCode())
		return nil, connectivityErrorf(err, "bind listen")
	}

	conn, err := h.acceptOne(ctx, ln)
	if err != nil {
		return nil, err
	}

	peer := conn.RemoteAddr()
	peerIP, _ := splitAddr(peer)
	if !peerIP.Equal(req.IP) {
		_ = h.reply(h.version.RefusedCode())
		_ = conn.Close()
		return nil, connectivityErrorf(nil, "bind peer %s does not match requested %s", peerIP, req.IP)
	}

	if err := h.replyAddr(h.version.SuccessCode(), peer); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write bind reply: %w", err)
	}
	return conn, nil
}

func (h *handshake) acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	if err := h.replyAddr(h.version.SuccessCode(), ln.Addr()); err != nil {
		return nil, fmt.Errorf("write bind reply: %w", err)
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, connectivityErrorf(err, "bind accept")
	}
	return conn, nil
}

// reply writes a status-only reply frame.
func (h *handshake) reply(code byte) error {
	return writeFrame(h.rw.Writer, []byte{h.version.ReplyVersion(), code})
}

// replyAddr writes a reply frame carrying addr.
func (h *handshake) replyAddr(code byte, addr net.Addr) error {
	b := make([]byte, 0, 22)
	b = append(b, h.version.ReplyVersion(), code)
	if h.version == Version5 {
		b = append(b, socks5Reserved)
	}
	b, err := appendAddr(b, h.version, addr)
	if err != nil {
		return err
	}
	return writeFrame(h.rw.Writer, b)
}

// isSOCKS4a reports whether ip is the 0.0.0.x (x != 0) marker that tells a
// SOCKS4a server a hostname follows the user id.
func isSOCKS4a(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && ip4[0] == 0 && ip4[1] == 0 && ip4[2] == 0 && ip4[3] != 0
}

func readNulString(r *bufio.Reader) (string, error) {
	var b []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(b), nil
		}
		if len(b) == maxStringLen {
			return "", protocolErrorf(nil, "string field longer than %d bytes", maxStringLen)
		}
		b = append(b, c)
	}
}
