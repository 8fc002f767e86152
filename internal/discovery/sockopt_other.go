//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package discovery

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

func broadcastControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
