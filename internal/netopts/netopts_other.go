//go:build !linux

package netopts

import (
	"net"
	"time"
)

// SetSendTimeout is a no-op on platforms without SO_SNDTIMEO support through
// x/sys/unix; connections on these platforms have no send timeout.
func SetSendTimeout(conn *net.TCPConn, d time.Duration) error {
	return nil
}
