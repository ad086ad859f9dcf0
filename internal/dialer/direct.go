package dialer

import (
	"context"
	"fmt"
	"net"
)

// Direct dials destinations itself.
type Direct struct {
	d net.Dialer
}

func NewDirect(cfg Config) *Direct {
	d := net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}
	if !cfg.KeepAlive.Enable {
		d.KeepAlive = -1
	}
	return &Direct{d: d}
}

func (d *Direct) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}
