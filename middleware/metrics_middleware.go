package middleware

import (
	"context"
	"time"

	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/metrics"
)

// Metrics records dispatch duration, handler failures and unhandled packets.
func Metrics(c *metrics.Collector) dispatch.Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, ev *dispatch.Event) error {
			start := time.Now()
			err := next(ctx, ev)
			c.ObserveDispatch(ev.Name, time.Since(start), ev.Handled, err)
			return err
		}
	}
}
