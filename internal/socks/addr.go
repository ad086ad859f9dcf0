package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
)

var errUnknownAddrType = errors.New("unknown address type")

// readAddrPort reads a destination in v's wire order: SOCKS4 sends the port
// before a bare IPv4 address, SOCKS5 sends a typed address before the port.
// Hostnames are resolved through res; host keeps the name for logging.
func readAddrPort(ctx context.Context, r *bufio.Reader, v Version, res Resolver) (ip net.IP, port int, host string, err error) {
	if v == Version4 {
		if port, err = readPort(r); err != nil {
			return nil, 0, "", err
		}
		ip, err = readIP(r, net.IPv4len)
		return ip, port, "", err
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, 0, "", fmt.Errorf("read address type: %w", err)
	}
	atyp, err := ParseAddrType(b)
	if err != nil {
		return nil, 0, "", protocolErrorf(errUnknownAddrType, "address type %d", b)
	}

	switch atyp {
	case AddrIPv4:
		ip, err = readIP(r, net.IPv4len)
	case AddrIPv6:
		ip, err = readIP(r, net.IPv6len)
	case AddrHostname:
		host, err = readHostname(r)
		if err == nil {
			ip, err = resolve(ctx, res, host)
		}
	}
	if err != nil {
		return nil, 0, "", err
	}

	port, err = readPort(r)
	if err != nil {
		return nil, 0, "", err
	}
	return ip, port, host, nil
}

func readIP(r io.Reader, n int) (net.IP, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read address: %w", err)
	}
	return net.IP(b), nil
}

func readHostname(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("read hostname length: %w", err)
	}
	b := make([]byte, int(n))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read hostname: %w", err)
	}
	return string(b), nil
}

func readPort(r io.Reader) (int, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read port: %w", err)
	}
	return int(binary.BigEndian.Uint16(b[:])), nil
}

// resolve turns a hostname into a single address, preferring IPv4 since
// SOCKS4 clients and most destinations expect it.
func resolve(ctx context.Context, res Resolver, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, connectivityErrorf(err, "resolve %q", host)
	}
	if len(addrs) == 0 {
		return nil, connectivityErrorf(nil, "resolve %q: no addresses", host)
	}

	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return addrs[0].IP, nil
}

// appendAddr appends addr in v's reply wire format. SOCKS4 can only carry an
// IPv4 (or unspecified) address; anything else is a caller bug.
func appendAddr(b []byte, v Version, addr net.Addr) ([]byte, error) {
	ip, port := splitAddr(addr)

	if v == Version4 {
		ip4 := ip.To4()
		if ip4 == nil {
			if !ip.IsUnspecified() {
				return nil, fmt.Errorf("socks4 cannot encode address %s", ip)
			}
			ip4 = net.IPv4zero.To4()
		}
		b = binary.BigEndian.AppendUint16(b, uint16(port))
		return append(b, ip4...), nil
	}

	if ip4 := ip.To4(); ip4 != nil {
		b = append(b, byte(AddrIPv4))
		b = append(b, ip4...)
	} else {
		b = append(b, byte(AddrIPv6))
		b = append(b, ip.To16()...)
	}
	return binary.BigEndian.AppendUint16(b, uint16(port)), nil
}

// splitAddr extracts an IP and port from addr. Non-TCP addresses, such as
// those of tunneled upstream connections, are parsed from their string
// form; anything unparsable becomes 0.0.0.0:0.
func splitAddr(addr net.Addr) (net.IP, int) {
	if ta, ok := addr.(*net.TCPAddr); ok && ta != nil {
		if ta.IP == nil {
			return net.IPv4zero, ta.Port
		}
		return ta.IP, ta.Port
	}
	if addr != nil {
		if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
			return net.IP(ap.Addr().Unmap().AsSlice()), int(ap.Port())
		}
	}
	return net.IPv4zero, 0
}
