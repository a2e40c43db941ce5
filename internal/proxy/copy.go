package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// errCopyDone ends the group when one direction reaches EOF.
var errCopyDone = errors.New("copy done")

// CopyBidirectional copies between left and right until either direction
// reaches EOF or fails, or ctx is done, and then shuts both down. Both conns
// are closed on return.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// The first direction to finish cancels gctx, which unblocks the other.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return copyHalf(left, right)
	})

	g.Go(func() error {
		return copyHalf(right, left)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errCopyDone) {
		return nil
	}
	return err
}

func copyHalf(dst, src net.Conn) error {
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return errCopyDone
}
