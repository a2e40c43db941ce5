package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Server is the far end of a Session: an SSH server that accepts
// "direct-tcpip" channels, dials the requested destination and copies bytes
// both ways. sockssh only acts as a client; Server exists so the proxy can
// be exercised against a real SSH peer.
type Server struct {
	config *ssh.ServerConfig
	dialer ContextDialer
	permit func(DirectTCPIP) error
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	lns    []net.Listener
	wg     sync.WaitGroup
	done   chan struct{}
}

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates users by password. At least one of
	// PasswordCallback or PublicKeyCallback must be set.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	// PublicKeyCallback authenticates users by public key.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// Dialer is used to establish outbound connections for direct-tcpip channels.
	// If nil, a default net.Dialer is used.
	Dialer ContextDialer

	// Permit, if set, is consulted before dialing; an error rejects the
	// channel as administratively prohibited.
	Permit func(DirectTCPIP) error

	Logger *zap.Logger
}

// DirectTCPIP describes a direct-tcpip channel request.
type DirectTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// Address returns the requested destination as host:port.
func (d DirectTCPIP) Address() string {
	return net.JoinHostPort(d.Host, strconv.FormatUint(uint64(d.Port), 10))
}

// NewServer validates cfg and constructs a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:  cfg.PasswordCallback,
		PublicKeyCallback: cfg.PublicKeyCallback,
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config: sshConfig,
		dialer: dialer,
		permit: cfg.Permit,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Serve accepts and handles SSH connections on ln until Close is called or
// accepting fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("ssh server: closed")
	}
	s.lns = append(s.lns, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections, drops the established ones and waits
// for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	lns := s.lns
	s.mu.Unlock()

	var err error
	for _, ln := range lns {
		err = errors.Join(err, ln.Close())
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.logger.Debug("ssh server handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
		_ = sshConn.Close()
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDirectTCPIP(ctx, newChan)
		}()
	}

	// The transport is gone; drop destinations still waiting on reads.
	cancel()
	wg.Wait()
}

func (s *Server) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var req DirectTCPIP
	if err := ssh.Unmarshal(newChan.ExtraData(), &req); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	if s.permit != nil {
		if err := s.permit(req); err != nil {
			_ = newChan.Reject(ssh.Prohibited, err.Error())
			return
		}
	}

	dst, err := s.dialer.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", req.Address(), err))
		return
	}
	defer dst.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = dst.Close()
	})
	defer stop()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(dst, ch)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(ch, dst)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()

	<-done
	<-done
}

// GenerateHostKey returns a fresh Ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// SimplePasswordAuth returns a PasswordCallback that authenticates against
// a single username/password pair.
func SimplePasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}
