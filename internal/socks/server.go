package socks

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server accepts SOCKS clients and runs each one in its own goroutine:
// handshake first, then a relay between the client and the destination.
// A failing session only ever tears down its own sockets.
type Server struct {
	ctx context.Context
	cfg Config
	log zerolog.Logger
	wg  sync.WaitGroup
}

// NewServer constructs a Server. Canceling ctx stops Serve and closes every
// session's sockets.
func NewServer(ctx context.Context, cfg Config, logger zerolog.Logger) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, cfg: cfg.WithDefaults(), log: logger}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(reusePort bool) error {
	ln, err := ListenTCP(s.ctx, s.cfg.Addr, reusePort)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until ln fails or the server's context is
// canceled, which closes ln. It returns nil in the latter case.
func (s *Server) Serve(ln net.Listener) error {
	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.log.Info().Stringer("addr", ln.Addr()).Msg("socks proxy listening")

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// Wait blocks until every session started by Serve has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	logger := s.log.With().
		Str("session", uuid.NewString()).
		Stringer("client", conn.RemoteAddr()).
		Logger()

	logger.Debug().Msg("client connected")
	if err := s.handle(conn, &logger); err != nil {
		logger.Debug().Err(err).Str("kind", ErrorKind(err)).Msg("session failed")
		return
	}
	logger.Debug().Msg("client disconnected")
}

func (s *Server) handle(conn net.Conn, logger *zerolog.Logger) error {
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if s.cfg.KeepAlive != nil {
		applyKeepAlive(conn, *s.cfg.KeepAlive)
	}

	br := bufio.NewReader(conn)
	rw := bufio.NewReadWriter(br, bufio.NewWriter(conn))

	res, err := Negotiate(ctx, rw, &s.cfg)
	if err != nil {
		return err
	}

	logger.Debug().
		Stringer("version", res.Version).
		Stringer("cmd", res.Request.Command).
		Stringer("dest", res.Request).
		Msg("session established")

	// The reader may already hold bytes the client sent after its request.
	client := &bufferedConn{Conn: conn, r: br}
	return CopyBidirectional(ctx, client, res.Host)
}

// bufferedConn reads through the handshake's bufio.Reader so nothing the
// client pipelined is lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
