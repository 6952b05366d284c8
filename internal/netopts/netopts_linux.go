//go:build linux

package netopts

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// SetSendTimeout sets SO_SNDTIMEO on conn's underlying file descriptor, so a
// slow or wedged peer cannot block an outbound write forever.
func SetSendTimeout(conn *net.TCPConn, d time.Duration) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	var serr error
	cerr := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	})
	if cerr != nil {
		return cerr
	}
	return serr
}
