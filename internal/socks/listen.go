package socks

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ListenTCP opens the server's listening socket on addr. With reusePort set,
// SO_REUSEPORT lets several processes share the address.
func ListenTCP(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		if !reusePortSupported {
			return nil, errors.New("SO_REUSEPORT is not supported on this platform")
		}
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

func applyKeepAlive(c net.Conn, ka net.KeepAliveConfig) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(ka)
	}
}
