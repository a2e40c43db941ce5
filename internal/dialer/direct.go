package dialer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/die-net/sockssh/internal/conn"
)

// DirectDialer connects to targets itself over TCP.
type DirectDialer struct {
	cfg  Config
	pool *conn.BufferPool
}

func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg, pool: conn.NewBufferPool(cfg.BufferSize)}
}

// DialContext dials address with the configured timeout, keepalive and
// socket options.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{
		Timeout: d.cfg.DialTimeout,
		Control: conn.DialControl(d.cfg.TCPUserTimeout),
	}

	c, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	conn.ApplyKeepAlive(c, d.cfg.KeepAlive)

	return c, nil
}

// Open dials dst. origin is not used.
func (d *DirectDialer) Open(ctx context.Context, dst, _ Endpoint) (Channel, error) {
	c, err := d.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return nil, err
	}
	return newConnChannel(c, d.pool), nil
}

func (d *DirectDialer) Close() error {
	return nil
}

// ConnChannel is a Channel over a plain socket. Its message stream is only
// started when Messages is first called, so a relay that copies NetConn
// directly never competes with the pump for reads.
type ConnChannel struct {
	net.Conn

	pump      *pump
	startOnce sync.Once
	closeOnce sync.Once
}

func newConnChannel(c net.Conn, pool *conn.BufferPool) *ConnChannel {
	return &ConnChannel{Conn: c, pump: newPump(pool)}
}

// NetConn returns the underlying socket.
func (c *ConnChannel) NetConn() net.Conn {
	return c.Conn
}

func (c *ConnChannel) Messages() <-chan Message {
	c.startOnce.Do(func() {
		go c.pump.readLoop(c.Conn)
	})
	return c.pump.msgs
}

func (c *ConnChannel) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Cancel resets the connection instead of closing it gracefully.
func (c *ConnChannel) Cancel() error {
	if tc, ok := c.Conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	return c.Close()
}

func (c *ConnChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.pump.stop()
		err = c.Conn.Close()
	})
	return err
}
