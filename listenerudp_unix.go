//go:build linux || darwin || freebsd

package kixdns

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

const reusePortAvailable = true

// reusePortListenConfig returns a net.ListenConfig whose dial/listen calls
// set SO_REUSEPORT on the raw socket before bind, letting the kernel
// distribute incoming datagrams across one UDPConn per worker instead of
// contending on a single shared socket.
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
