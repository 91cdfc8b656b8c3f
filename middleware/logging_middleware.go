package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/neoframe/neomux/roc"
)

// Logging records the Fiber's name and the handler's total duration and
// outcome, matching the teacher's LoggingMiddleware but wrapping a whole
// RoC run instead of a single request/response pair.
func Logging(log *zap.SugaredLogger) Middleware {
	return func(next roc.HandlerFunc) roc.HandlerFunc {
		return func(ctx context.Context, root *roc.Fiber) error {
			start := time.Now()
			err := next(ctx, root)
			duration := time.Since(start)
			if err != nil {
				log.Warnw("roc handler failed", "fiber", root.Name(), "duration", duration, "error", err)
			} else {
				log.Debugw("roc handler finished", "fiber", root.Name(), "duration", duration)
			}
			return err
		}
	}
}
