//go:build unix

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding, so the discovery port can be rebound right
// after a previous session released it.
func ReuseAddrListenConfig() net.ListenConfig {
	return sockoptListenConfig(syscall.SO_REUSEADDR)
}

// BroadcastListenConfig returns a net.ListenConfig whose sockets may send
// to the limited broadcast address.
func BroadcastListenConfig() net.ListenConfig {
	return sockoptListenConfig(syscall.SO_BROADCAST)
}

func sockoptListenConfig(opt int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, opt, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
