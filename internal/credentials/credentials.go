// Package credentials holds username/password stores for SOCKS5
// username/password authentication. Each store has a Verify method, so it
// can be used directly as a socks.Verifier.
package credentials

import (
	"crypto/subtle"
)

// Verifier is any credential store.
type Verifier interface {
	Verify(username, password string) bool
}

// Static is an in-memory username to password map.
type Static map[string]string

// NewStatic returns a store holding a single credential.
func NewStatic(username, password string) Static {
	return Static{username: password}
}

func (s Static) Verify(username, password string) bool {
	want, ok := s[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// Any accepts a credential that any of its stores accepts.
type Any []Verifier

func (a Any) Verify(username, password string) bool {
	for _, v := range a {
		if v.Verify(username, password) {
			return true
		}
	}
	return false
}
