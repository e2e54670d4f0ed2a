//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package hoststack

import "syscall"

func reusePortControl() func(network, address string, c syscall.RawConn) error {
	return nil
}
