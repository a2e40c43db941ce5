//go:build linux

package conn

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UserTimeoutSupported reports whether DialControl can set TCP_USER_TIMEOUT.
const UserTimeoutSupported = true

// DialControl returns a net.Dialer Control function that sets
// TCP_USER_TIMEOUT, bounding how long unacknowledged data may sit on the
// socket before the kernel drops the connection. Zero disables it.
func DialControl(userTimeout time.Duration) func(network, address string, c syscall.RawConn) error {
	if userTimeout <= 0 {
		return nil
	}
	ms := int(userTimeout.Milliseconds())

	return func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
