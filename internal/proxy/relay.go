package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/die-net/sockssh/internal/conn"
	"github.com/die-net/sockssh/internal/dialer"
)

// clientChunk is one read from the client. A chunk carries either data or
// the error that ended the stream.
type clientChunk struct {
	data []byte
	buf  *[]byte
	err  error
}

// Relay forwards bytes between client and ch until the connection ends.
//
// clientReader is read instead of client so that bytes buffered during the
// handshake are forwarded first. Writes to the client go straight to client.
// Both directions are serviced by one select loop: client EOF half-closes ch,
// an exit signal from ch shuts down the client's write side, and EOF from ch
// ends the relay. ch is closed and the client's write side shut down exactly
// once on every return path.
func Relay(ctx context.Context, client net.Conn, clientReader io.Reader, ch dialer.Channel, pool *conn.BufferPool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var shutdownOnce sync.Once
	shutdownClient := func() {
		shutdownOnce.Do(func() {
			if cw, ok := client.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		})
	}
	defer shutdownClient()
	defer ch.Close()

	cancel := func() {
		if err := ch.Cancel(); err != nil {
			logger.Debug("cancel channel", zap.Error(err))
		}
	}

	done := make(chan struct{})
	defer close(done)
	chunks := make(chan clientChunk)
	go readChunks(clientReader, pool, chunks, done)

	msgs := ch.Messages()
	for {
		select {
		case <-ctx.Done():
			cancel()
			return ctx.Err()

		case c := <-chunks:
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					if err := ch.CloseWrite(); err != nil {
						return fmt.Errorf("half-close channel: %w", err)
					}
					return nil
				}
				cancel()
				return fmt.Errorf("read from client: %w", c.err)
			}

			_, err := ch.Write(c.data)
			pool.Put(c.buf)
			if err != nil {
				cancel()
				return fmt.Errorf("write to channel: %w", err)
			}

		case m := <-msgs:
			switch m.Kind {
			case dialer.MessageData:
				_, err := client.Write(m.Data)
				m.Release()
				if err != nil {
					cancel()
					return fmt.Errorf("write to client: %w", err)
				}
			case dialer.MessageExitSignal:
				logger.Debug("remote exit signal", zap.String("signal", m.Signal))
				shutdownClient()
				return nil
			case dialer.MessageEOF:
				if m.Err != nil {
					return fmt.Errorf("read from channel: %w", m.Err)
				}
				return nil
			}
		}
	}
}

// readChunks reads r into pooled buffers and sends each chunk to out, ending
// with the read error. It stops early once done is closed.
func readChunks(r io.Reader, pool *conn.BufferPool, out chan<- clientChunk, done <-chan struct{}) {
	send := func(c clientChunk) bool {
		select {
		case out <- c:
			return true
		case <-done:
			if c.buf != nil {
				pool.Put(c.buf)
			}
			return false
		}
	}

	for {
		b := pool.Get()
		n, err := r.Read(*b)
		if n > 0 {
			if !send(clientChunk{data: (*b)[:n], buf: b}) {
				return
			}
		} else {
			pool.Put(b)
		}

		if err != nil {
			send(clientChunk{err: err})
			return
		}
	}
}
