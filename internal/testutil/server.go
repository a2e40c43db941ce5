package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartSingleAcceptServer runs handler on the first accepted connection. The
// returned func closes the listener and waits for handler to return.
func StartSingleAcceptServer(ctx context.Context, t *testing.T, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// Recorder collects everything a connection sends until EOF.
type Recorder struct {
	mu   sync.Mutex
	buf  []byte
	done chan struct{}
}

// StartRecordingServer accepts a single connection and records what it
// reads, without writing anything back.
func StartRecordingServer(ctx context.Context, t *testing.T) (net.Listener, *Recorder) {
	t.Helper()

	rec := &Recorder{done: make(chan struct{})}
	ln, _ := StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		defer close(rec.done)
		b := make([]byte, 4096)
		for {
			n, err := c.Read(b)
			rec.mu.Lock()
			rec.buf = append(rec.buf, b[:n]...)
			rec.mu.Unlock()
			if err != nil {
				return
			}
		}
	})
	return ln, rec
}

// Wait blocks until the recorded connection reaches EOF or ctx is done, and
// returns what was read.
func (r *Recorder) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf...), nil
}
