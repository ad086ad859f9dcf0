package testutil

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// StartEchoTCPServer listens on loopback and echoes everything each client
// sends until the client closes its side.
func StartEchoTCPServer(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	return startAcceptLoop(ctx, t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

// StartPingPongServer listens on loopback and answers a "ping" line with
// "pong\n", then closes the connection.
func StartPingPongServer(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	return startAcceptLoop(ctx, t, func(c net.Conn) {
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil {
			return
		}
		if line == "ping\n" {
			_, _ = io.WriteString(c, "pong\n")
		}
	})
}

func startAcceptLoop(ctx context.Context, t *testing.T, handler func(net.Conn)) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handler(c)
			}()
		}
	}()

	return ln
}

// AssertEcho writes msg to w and expects to read exactly msg back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}

// AssertPingPong sends "ping\n" on rw and expects "pong\n" back.
func AssertPingPong(t *testing.T, rw io.ReadWriter) {
	t.Helper()

	if _, err := io.WriteString(rw, "ping\n"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len("pong\n"))
	if _, err := io.ReadFull(rw, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "pong\n" {
		t.Fatalf("expected %q got %q", "pong\n", string(buf))
	}
}
