package proxy

import (
	"time"

	"go.uber.org/zap"

	"github.com/die-net/sockssh/internal/dialer"
	"github.com/die-net/sockssh/internal/resolver"
)

// Config configures a SOCKS5Server.
type Config struct {
	// NegotiationTimeout bounds the handshake, name resolution and channel
	// open for each connection.
	NegotiationTimeout time.Duration

	Dialer dialer.Dialer

	// Resolver resolves domain targets before Dialer.Open. If nil, names
	// are passed to the Dialer as-is.
	Resolver resolver.Resolver

	// BufferSize is the largest chunk read from a client at once.
	BufferSize int

	// FailureReplies sends a SOCKS5 failure reply before closing a
	// connection whose request can't be served.
	FailureReplies bool

	Logger *zap.Logger
}
