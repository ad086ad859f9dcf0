package socks

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between client and host in both directions.
//
// It returns once both directions have finished or ctx is canceled, and
// always closes both connections before returning. A direction that ends
// because its peer closed or reset the connection is the normal end of a
// conversation and is not reported; only other I/O faults are returned, and
// the first of those tears down the other direction too.
func CopyBidirectional(ctx context.Context, client, host net.Conn) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = host.Close()
		})
	}
	defer closeBoth()

	g, gctx := errgroup.WithContext(ctx)

	// Closing both sides is what unblocks a pending Read or Write.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return relay(host, client)
	})
	g.Go(func() error {
		return relay(client, host)
	})

	return g.Wait()
}

// relay copies src to dst until src is exhausted, then half-closes dst so
// the far side sees the end of the stream.
func relay(dst, src net.Conn) error {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	_, err := io.CopyBuffer(dst, src, *buf)
	switch {
	case err == nil:
		closeWrite(dst)
		return nil
	case isClosedConnErr(err):
		return nil
	default:
		return err
	}
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// isClosedConnErr reports whether err just means a peer went away or the
// connection was closed locally.
func isClosedConnErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
