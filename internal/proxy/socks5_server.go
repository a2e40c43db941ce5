package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/die-net/sockssh/internal/conn"
	"github.com/die-net/sockssh/internal/dialer"
	"github.com/die-net/sockssh/internal/socks5"
)

// SOCKS5Server serves SOCKS5 CONNECT requests, one goroutine per client.
type SOCKS5Server struct {
	ctx    context.Context
	cfg    Config
	logger *zap.Logger
	pool   *conn.BufferPool
	wg     sync.WaitGroup
}

// NewSOCKS5Server constructs a server. Canceling ctx stops Serve and ends
// every connection it accepted.
func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SOCKS5Server{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		pool:   conn.NewBufferPool(cfg.BufferSize),
	}
}

// Serve accepts connections on ln until ln fails or the server's context is
// done, then waits for its connections to finish. It returns nil after a
// shutdown.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

func (s *SOCKS5Server) handleConn(c net.Conn) {
	defer c.Close()

	stop := context.AfterFunc(s.ctx, func() {
		_ = c.Close()
	})
	defer stop()

	logger := s.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.Stringer("peer", c.RemoteAddr()),
	)

	if err := s.serveConn(c, logger); err != nil && s.ctx.Err() == nil {
		logger.Debug("connection failed", zap.Error(err))
		return
	}
	logger.Debug("connection closed")
}

func (s *SOCKS5Server) serveConn(c net.Conn, logger *zap.Logger) error {
	ctx, cancel := s.negotiationContext()
	defer cancel()

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(c)

	if _, err := socks5.RecvGreeting(br, c); err != nil {
		return err
	}

	req, err := socks5.RecvRequest(br)
	if err != nil {
		s.replyFailure(c, requestFailureCode(err))
		return err
	}

	dst := dialer.Endpoint{Host: req.Host, Port: req.Port}
	switch {
	case !req.IsDomain():
		dst.Host = req.Addr().String()
	case s.cfg.Resolver != nil:
		addr, err := s.cfg.Resolver.Resolve(ctx, req.Host)
		if err != nil {
			s.replyFailure(c, socks5.RepHostUnreachable)
			return fmt.Errorf("resolve %s: %w", req.Host, err)
		}
		dst.Host = addr.String()
	}

	ch, err := s.cfg.Dialer.Open(ctx, dst, dialer.EndpointFromAddr(c.RemoteAddr()))
	if err != nil {
		s.replyFailure(c, socks5.RepConnectionRefused)
		return fmt.Errorf("open %s: %w", req.Address(), err)
	}

	if err := socks5.WriteSuccessReply(c, req); err != nil {
		_ = ch.Close()
		return err
	}
	_ = c.SetDeadline(time.Time{})

	logger.Debug("relaying", zap.String("target", req.Address()), zap.Stringer("dst", dst))

	// A direct socket can be copied without framing, as long as nothing the
	// client sent is still sitting in br.
	if cc, ok := ch.(*dialer.ConnChannel); ok && br.Buffered() == 0 {
		defer ch.Close()
		return CopyBidirectional(s.ctx, c, cc.NetConn())
	}
	return Relay(s.ctx, c, br, ch, s.pool, logger)
}

func (s *SOCKS5Server) negotiationContext() (context.Context, context.CancelFunc) {
	if s.cfg.NegotiationTimeout > 0 {
		return context.WithTimeout(s.ctx, s.cfg.NegotiationTimeout)
	}
	return context.WithCancel(s.ctx)
}

func (s *SOCKS5Server) replyFailure(c net.Conn, rep byte) {
	if !s.cfg.FailureReplies || rep == 0 {
		return
	}
	_ = socks5.WriteFailureReply(c, rep)
}

// requestFailureCode maps a RecvRequest error to a reply code. Zero means no
// reply: either the peer doesn't speak SOCKS5 or the connection is gone.
func requestFailureCode(err error) byte {
	switch {
	case errors.Is(err, socks5.ErrBadVersion):
		return 0
	case errors.Is(err, socks5.ErrUnsupportedCommand):
		return socks5.RepCommandNotSupported
	case errors.Is(err, socks5.ErrUnsupportedAddressType):
		return socks5.RepAddressNotSupported
	case errors.Is(err, socks5.ErrProtocol):
		return socks5.RepGeneralFailure
	default:
		return 0
	}
}
