//go:build windows

package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding.
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
				opErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, opt, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
