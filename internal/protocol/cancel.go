package protocol

import (
	"context"
	"net"
)

// CloseOnCancel closes conn when ctx is cancelled, interrupting blocking
// handshake I/O that only honors deadlines. The returned stop function must
// be called exactly once, when the handshake outcome is decided; after it
// returns the watcher will not touch conn again.
//
// A caller that stops the watcher before cancelling ctx is guaranteed its
// conn stays open: the watcher re-checks stop after waking on ctx.
func CloseOnCancel(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-done:
				return
			default:
			}
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
