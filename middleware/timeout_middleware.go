package middleware

import (
	"context"
	"time"

	"github.com/neoframe/neomux/roc"
)

// Timeout enforces a maximum duration on a RoC handler's run, matching the
// teacher's TimeOutMiddleware's race-against-ctx.Done shape. Unlike the
// teacher's version the handler goroutine is not abandoned: root's
// underlying Fiber already ties its lifetime to the owning Connection, so
// when ctx is cancelled the handler's own Receive/Send calls unblock with
// an error instead of leaking.
func Timeout(d time.Duration) Middleware {
	return func(next roc.HandlerFunc) roc.HandlerFunc {
		return func(ctx context.Context, root *roc.Fiber) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- next(ctx, root) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				root.ShutdownWithProtocolError("handler timed out")
				return ctx.Err()
			}
		}
	}
}
