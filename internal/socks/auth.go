package socks

import (
	"bufio"
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Method is a SOCKS5 authentication method. The server picks one by its
// code, then hands the connection to Negotiate. Negotiate returns nil once
// the client is authenticated; any error ends the session.
type Method interface {
	Code() byte
	Negotiate(rw *bufio.ReadWriter) error
}

// NoAuth is the "no authentication required" method.
type NoAuth struct{}

func (NoAuth) Code() byte { return txsocks5.MethodNone }

func (NoAuth) Negotiate(*bufio.ReadWriter) error { return nil }

// Verifier decides whether a username/password pair is valid.
type Verifier interface {
	Verify(username, password string) bool
}

// VerifierFunc adapts a plain function to a Verifier.
type VerifierFunc func(username, password string) bool

func (f VerifierFunc) Verify(username, password string) bool { return f(username, password) }

// UserPass is RFC 1929 username/password authentication. Checking the
// credentials is left to Verifier; a nil Verifier rejects everyone.
type UserPass struct {
	Verifier Verifier
}

const userPassVersion = 0x01

func (UserPass) Code() byte { return txsocks5.MethodUsernamePassword }

func (m UserPass) Negotiate(rw *bufio.ReadWriter) error {
	ver, err := rw.ReadByte()
	if err != nil {
		return fmt.Errorf("read userpass version: %w", err)
	}
	if ver != userPassVersion {
		return protocolErrorf(nil, "invalid username/password version %d", ver)
	}

	username, err := readLenString(rw.Reader)
	if err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	password, err := readLenString(rw.Reader)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	status := txsocks5.UserPassStatusSuccess
	ok := m.Verifier != nil && m.Verifier.Verify(username, password)
	if !ok {
		status = txsocks5.UserPassStatusFailure
	}

	// The client must see the failure frame before the connection closes.
	if _, err := rw.Write([]byte{userPassVersion, status}); err != nil {
		return fmt.Errorf("write userpass status: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("write userpass status: %w", err)
	}

	if !ok {
		return authErrorf(nil, "invalid credentials for user %q", username)
	}
	return nil
}

func readLenString(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, int(n))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// selectMethod reads the client's offered methods and picks the first of
// methods that the client also offers. The choice, or 0xFF when there is
// none, is written back before the chosen method negotiates.
func selectMethod(rw *bufio.ReadWriter, methods []Method) (Method, error) {
	n, err := rw.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read method count: %w", err)
	}
	offered := make([]byte, int(n))
	if _, err := io.ReadFull(rw, offered); err != nil {
		return nil, fmt.Errorf("read methods: %w", err)
	}

	var chosen Method
	for _, m := range methods {
		if slices.Contains(offered, m.Code()) {
			chosen = m
			break
		}
	}

	code := socks5NoAcceptableMethods
	if chosen != nil {
		code = chosen.Code()
	}
	if err := writeFrame(rw.Writer, []byte{byte(Version5), code}); err != nil {
		return nil, fmt.Errorf("write method selection: %w", err)
	}

	if chosen == nil {
		return nil, authErrorf(nil, "no acceptable method in %v", offered)
	}
	if err := chosen.Negotiate(rw); err != nil {
		return nil, err
	}
	return chosen, nil
}

func writeFrame(w *bufio.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}
