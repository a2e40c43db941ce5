package dialer

import (
	"net"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// TCPUserTimeout bounds unacknowledged sends on outbound sockets (Linux only).
	TCPUserTimeout time.Duration

	SSHKeyPath           string
	SSHKnownHostsPath    string
	SSHKeepAliveInterval time.Duration

	// BufferSize is the size of each Data message read from a channel.
	BufferSize int

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
