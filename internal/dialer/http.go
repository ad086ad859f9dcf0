package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// HTTP dials through an HTTP or HTTPS proxy using the CONNECT method.
type HTTP struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   *Direct
}

// NewHTTP constructs a CONNECT dialer for proxyURL. A non-empty username
// is sent as HTTP Basic Proxy-Authorization.
func NewHTTP(cfg Config, proxyURL *url.URL, username, password string) (*HTTP, error) {
	if proxyURL == nil {
		return nil, errors.New("http upstream: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http upstream: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http upstream: unsupported scheme: %q", proxyURL.Scheme)
	}

	auth := ""
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTP{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
		direct:   NewDirect(cfg),
	}, nil
}

// DialContext connects to the proxy, upgrading to TLS for https, and asks
// it to CONNECT to address.
func (d *HTTP) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http upstream dial %s %s: unsupported network", network, address)
	}

	conn, err := d.direct.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http upstream: %w", err)
	}

	if d.proxyURL.Scheme == "https" {
		conn = tls.Client(conn, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: d.proxyURL.Hostname()})
	}

	var br *bufio.Reader
	err = negotiate(ctx, d.cfg, conn, func(c net.Conn) error {
		if tc, ok := c.(*tls.Conn); ok {
			if err := tc.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("tls handshake: %w", err)
			}
		}
		var cerr error
		br, cerr = d.connect(c, address)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("http upstream %s: %w", d.proxyURL.Host, err)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func (d *HTTP) connect(conn net.Conn, address string) (*bufio.Reader, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}

	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("connect write: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("connect %s failed: %s", address, resp.Status)
	}
	return br, nil
}

// bufferedConn returns bytes the proxy sent right behind its CONNECT
// response before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
