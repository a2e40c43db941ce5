package proxy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/die-net/sockssh/internal/dialer"
)

type fakeResolver struct {
	mu    sync.Mutex
	names []string
	addr  netip.Addr
	err   error
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return r.addr, r.err
}

func (r *fakeResolver) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type openCall struct {
	dst, origin dialer.Endpoint
}

// fakeDialer hands out ch on every Open, or fails with err.
type fakeDialer struct {
	mu    sync.Mutex
	opens []openCall
	ch    *fakeChannel
	err   error
}

func (d *fakeDialer) Open(_ context.Context, dst, origin dialer.Endpoint) (dialer.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens = append(d.opens, openCall{dst: dst, origin: origin})
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}

func (d *fakeDialer) Close() error {
	return nil
}

func (d *fakeDialer) calls() []openCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]openCall(nil), d.opens...)
}

// fakeChannel records what the relay does to it. Tests feed remote
// messages through msgs.
type fakeChannel struct {
	msgs chan dialer.Message

	mu          sync.Mutex
	written     []byte
	closeWrites int
	cancels     int
	closes      int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		msgs:   make(chan dialer.Message, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeChannel) Messages() <-chan dialer.Message {
	return f.msgs
}

func (f *fakeChannel) CloseWrite() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeWrites++
	return nil
}

func (f *fakeChannel) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() {
		close(f.closed)
	})
	return nil
}

func (f *fakeChannel) data() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written...)
}

type channelCounts struct {
	closeWrites, cancels, closes int
}

func (f *fakeChannel) counts() channelCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channelCounts{closeWrites: f.closeWrites, cancels: f.cancels, closes: f.closes}
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(ctx context.Context, t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	d := net.Dialer{}
	client, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}
