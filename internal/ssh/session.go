package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ErrChannelOpen is wrapped by every OpenDirect failure.
var ErrChannelOpen = errors.New("ssh channel open failed")

// ContextDialer dials the TCP connection an SSH transport runs over, and the
// outbound connections a Server makes.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// directTCPIPPayload is the payload for direct-tcpip channel requests
// (RFC 4254 section 7.2).
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// Session is one authenticated SSH transport shared by every proxied
// connection.
type Session struct {
	addr   string
	client *ssh.Client
	logger *zap.Logger

	// mu is held only while a channel open is negotiated.
	mu sync.Mutex

	done chan struct{}
	err  error
}

// Dial connects to the SSH server at addr with d and authenticates.
//
// Canceling ctx aborts the handshake; once Dial returns the session no longer
// depends on ctx.
func Dial(ctx context.Context, addr string, cfg ClientConfig, d ContextDialer, logger *zap.Logger) (*Session, error) {
	if addr == "" {
		return nil, errors.New("ssh: missing ssh address")
	}
	if cfg.Username == "" {
		return nil, errors.New("ssh: missing username")
	}
	if cfg.Password == "" && len(cfg.Signers) == 0 {
		return nil, errors.New("ssh: missing password or key")
	}
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("ssh: missing host key callback")
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	// Close conn if ctx is canceled during the handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	client, err := newClient(conn, cfg, addr)
	if !stop() {
		if client != nil {
			_ = client.Close()
		}
		return nil, fmt.Errorf("ssh transport: %w", context.Cause(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	s := &Session{
		addr:   addr,
		client: client,
		logger: logger.With(zap.String("ssh_server", addr)),
		done:   make(chan struct{}),
	}

	go func() {
		s.err = client.Wait()
		close(s.done)
	}()

	if cfg.KeepAliveInterval > 0 {
		go s.keepAlive(cfg.KeepAliveInterval)
	}

	s.logger.Info("ssh session established",
		zap.String("user", cfg.Username),
		zap.ByteString("server_version", client.ServerVersion()))
	return s, nil
}

// OpenDirect opens a "direct-tcpip" channel asking the server to connect to
// host:port on behalf of originHost:originPort.
//
// The session lock is held for the open round trip only. The caller owns
// the returned channel and must service its request stream.
func (s *Session) OpenDirect(ctx context.Context, host string, port uint16, originHost string, originPort uint16) (ssh.Channel, <-chan *ssh.Request, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	payload := ssh.Marshal(&directTCPIPPayload{
		Host:       host,
		Port:       uint32(port),
		OriginHost: originHost,
		OriginPort: uint32(originPort),
	})

	type opened struct {
		ch   ssh.Channel
		reqs <-chan *ssh.Request
		err  error
	}
	res := make(chan opened, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	go func() {
		ch, reqs, err := s.client.OpenChannel("direct-tcpip", payload)
		res <- opened{ch: ch, reqs: reqs, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, nil, fmt.Errorf("%w to %s: %w", ErrChannelOpen, target, r.err)
		}
		return r.ch, r.reqs, nil
	case <-ctx.Done():
		// The open is still in flight; release the channel if it succeeds.
		go func() {
			if r := <-res; r.err == nil {
				go ssh.DiscardRequests(r.reqs)
				_ = r.ch.Close()
			}
		}()
		return nil, nil, fmt.Errorf("%w to %s: %w", ErrChannelOpen, target, ctx.Err())
	}
}

// Addr returns the SSH server address.
func (s *Session) Addr() string {
	return s.addr
}

// Done is closed when the transport has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the transport shuts down and returns the reason.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Close shuts down the transport and every channel opened over it.
func (s *Session) Close() error {
	return s.client.Close()
}

func (s *Session) keepAlive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Debug("ssh keepalive failed", zap.Error(err))
				return
			}
		}
	}
}
