//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package socks

import "syscall"

const reusePortSupported = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
