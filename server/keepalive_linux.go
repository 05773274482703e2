//go:build linux

package server

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setKeepaliveParams sets TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT
// directly, since net.TCPConn only exposes a single combined period.
// This is what lets the server match spec §5's idle=60s/interval=10s/6
// probes instead of relying on OS defaults.
func setKeepaliveParams(c *net.TCPConn, idle, interval time.Duration, count int) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds())); opErr != nil {
			return
		}
		if opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
	})
	if err != nil {
		return err
	}
	return opErr
}
