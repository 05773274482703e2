//go:build !linux

package server

import (
	"net"
	"time"
)

// setKeepaliveParams is a no-op on platforms other than Linux; the
// coarse SetKeepAlivePeriod already applied in configureKeepalive is
// the best available control there.
func setKeepaliveParams(c *net.TCPConn, idle, interval time.Duration, count int) error {
	return nil
}
