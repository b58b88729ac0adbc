package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dolphin2410/bukrs/dispatch"
)

var ErrTimeout = errors.New("middleware: handler timed out")

// Timeout gives the handlers for one packet a context that expires after
// timeout. The handlers still run to completion on the connection goroutine,
// so the next packet is not dispatched before they return. If the deadline
// passed meanwhile the chain reports ErrTimeout along with any handler error.
func Timeout(timeout time.Duration) dispatch.Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, ev *dispatch.Event) error {
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := next(tctx, ev)
			if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
				return errors.Join(fmt.Errorf("%w after %s", ErrTimeout, timeout), err)
			}
			return err
		}
	}
}
