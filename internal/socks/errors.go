package socks

import (
	"errors"
	"fmt"
)

// ProtocolError reports a malformed or unexpected field, a version mismatch,
// or an unsupported command.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string { return joinMsg("socks protocol", e.Msg, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectivityError reports a failure to reach or accept the requested
// destination.
type ConnectivityError struct {
	Msg string
	Err error
}

func (e *ConnectivityError) Error() string { return joinMsg("socks connectivity", e.Msg, e.Err) }
func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthenticationError reports that no common method was found or that the
// client failed the selected method.
type AuthenticationError struct {
	Msg string
	Err error
}

func (e *AuthenticationError) Error() string { return joinMsg("socks authentication", e.Msg, e.Err) }
func (e *AuthenticationError) Unwrap() error { return e.Err }

func joinMsg(kind, msg string, err error) string {
	if err == nil {
		return kind + ": " + msg
	}
	return kind + ": " + msg + ": " + err.Error()
}

func protocolErrorf(err error, format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func connectivityErrorf(err error, format string, args ...any) error {
	return &ConnectivityError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func authErrorf(err error, format string, args ...any) error {
	return &AuthenticationError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// ErrorKind names the class of a session error for logging.
func ErrorKind(err error) string {
	var (
		pe *ProtocolError
		ce *ConnectivityError
		ae *AuthenticationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &ce):
		return "connectivity"
	case errors.As(err, &ae):
		return "authentication"
	default:
		return "io"
	}
}
