//go:build !linux

package conn

import (
	"syscall"
	"time"
)

const UserTimeoutSupported = false

func DialControl(_ time.Duration) func(network, address string, c syscall.RawConn) error {
	return nil
}
