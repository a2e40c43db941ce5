// Package sshtest starts in-process SSH servers for tests that need a real
// Session peer.
package sshtest

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/sockssh/internal/ssh"
)

const (
	User     = "user"
	Password = "pass"
)

// StartServer runs an ssh.Server accepting User/Password on a random
// loopback port until the test ends, and returns its address.
func StartServer(ctx context.Context, t *testing.T, cfg internalssh.ServerConfig) string {
	t.Helper()

	hostKey, err := internalssh.GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg.HostKeys = []ssh.Signer{hostKey}
	if cfg.PasswordCallback == nil {
		cfg.PasswordCallback = internalssh.SimplePasswordAuth(User, Password)
	}

	srv, err := internalssh.NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	return ln.Addr().String()
}

// ClientConfig returns credentials matching StartServer, without host key
// checking.
func ClientConfig() internalssh.ClientConfig {
	return internalssh.ClientConfig{
		Username:         User,
		Password:         Password,
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(), //nolint:gosec // Test servers have random host keys.
		HandshakeTimeout: 2 * time.Second,
	}
}

// Dial opens a Session to addr, closed when the test ends.
func Dial(ctx context.Context, t *testing.T, addr string) *internalssh.Session {
	t.Helper()

	s, err := internalssh.Dial(ctx, addr, ClientConfig(), &net.Dialer{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// exitSignal is the "exit-signal" request payload (RFC 4254 section 6.10).
type exitSignal struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// StartExitSignalServer runs an SSH server accepting User/Password whose
// direct-tcpip channels receive payload followed by an exit-signal request
// carrying signal. Channels stay open until the client closes them.
func StartExitSignalServer(ctx context.Context, t *testing.T, payload []byte, signal string) string {
	t.Helper()

	hostKey, err := internalssh.GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{PasswordCallback: internalssh.SimplePasswordAuth(User, Password)}
	cfg.AddHostKey(hostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveExitSignal(c, cfg, payload, signal)
		}
	}()

	return ln.Addr().String()
}

func serveExitSignal(c net.Conn, cfg *ssh.ServerConfig, payload []byte, signal string) {
	sconn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		_ = c.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(chReqs)

		go func() {
			defer ch.Close()
			_, _ = ch.Write(payload)
			_, _ = ch.SendRequest("exit-signal", false, ssh.Marshal(&exitSignal{Signal: signal}))
			_, _ = io.Copy(io.Discard, ch)
		}()
	}
}
