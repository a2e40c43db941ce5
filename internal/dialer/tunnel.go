package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/sockssh/internal/conn"
	internalssh "github.com/die-net/sockssh/internal/ssh"
)

// Tunnel opens "direct-tcpip" channels over one shared SSH session.
type Tunnel struct {
	session *internalssh.Session
	pool    *conn.BufferPool
	release func() error
}

// NewTunnel wraps an established session.
func NewTunnel(session *internalssh.Session, cfg Config) *Tunnel {
	return &Tunnel{
		session: session,
		pool:    conn.NewBufferPool(cfg.BufferSize),
		release: func() error { return nil },
	}
}

// DialTunnel authenticates to the SSH server at sshAddr and returns a Tunnel
// over the resulting session.
//
// Authentication can use password, private key, or both. If both are provided,
// both methods are offered to the server and it chooses which to use.
// cfg.SSHKeyPath names a key file or "agent".
//
// Host keys are checked against cfg.SSHKnownHostsPath with trust on first
// use; an empty path disables checking.
func DialTunnel(ctx context.Context, cfg Config, sshAddr, username, password string) (*Tunnel, error) {
	logger := cfg.logger()

	signers, release, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, logger)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	session, err := internalssh.Dial(ctx, sshAddr, internalssh.ClientConfig{
		Username:          username,
		Password:          password,
		Signers:           signers,
		HostKeyCallback:   hostKeyCallback,
		HandshakeTimeout:  cfg.NegotiationTimeout,
		KeepAliveInterval: cfg.SSHKeepAliveInterval,
	}, NewDirectDialer(cfg), logger)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	t := NewTunnel(session, cfg)
	t.release = release
	return t, nil
}

// Session returns the shared SSH session.
func (t *Tunnel) Session() *internalssh.Session {
	return t.session
}

// Open asks the SSH server to connect to dst on behalf of origin.
func (t *Tunnel) Open(ctx context.Context, dst, origin Endpoint) (Channel, error) {
	ch, reqs, err := t.session.OpenDirect(ctx, dst.Host, dst.Port, origin.Host, origin.Port)
	if err != nil {
		return nil, err
	}
	return newSSHChannel(ch, reqs, t.pool), nil
}

// Close shuts down the session and every channel on it.
func (t *Tunnel) Close() error {
	return errors.Join(t.session.Close(), t.release())
}

// exitSignalMsg is the payload of an "exit-signal" request (RFC 4254
// section 6.10).
type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

type sshChannel struct {
	ch        ssh.Channel
	pump      *pump
	closeOnce sync.Once
}

func newSSHChannel(ch ssh.Channel, reqs <-chan *ssh.Request, pool *conn.BufferPool) *sshChannel {
	c := &sshChannel{ch: ch, pump: newPump(pool)}
	go c.pump.readLoop(ch)
	go c.requestLoop(reqs)
	return c
}

// requestLoop watches for "exit-signal". The signal itself is delivered by
// the read loop: data that preceded the request is already buffered in the
// channel, and closing the channel makes its reads end with EOF once that
// data has been read, so the signal can't overtake it.
func (c *sshChannel) requestLoop(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "exit-signal" {
			var sig exitSignalMsg
			_ = ssh.Unmarshal(req.Payload, &sig)
			c.pump.setExitSignal(sig.Signal)
			_ = c.ch.Close()
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (c *sshChannel) Write(p []byte) (int, error) {
	return c.ch.Write(p)
}

func (c *sshChannel) Messages() <-chan Message {
	return c.pump.msgs
}

func (c *sshChannel) CloseWrite() error {
	return c.ch.CloseWrite()
}

// Cancel closes the channel; SSH has no abortive close.
func (c *sshChannel) Cancel() error {
	return c.Close()
}

func (c *sshChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.pump.stop()
		err = c.ch.Close()
	})
	return err
}
