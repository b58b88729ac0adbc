package middleware

import (
	"context"
	"errors"

	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/session"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

var limiterKey = session.NewKey[*rate.Limiter]("middleware.rateLimiter")

// RateLimit gives every connection its own token bucket refilled at r
// packets per second with the given burst. Packets over the limit are not
// dispatched and the chain returns ErrRateLimited.
func RateLimit(r float64, burst int) dispatch.Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, ev *dispatch.Event) error {
			sess := ev.Conn.Session()
			limiter, ok := session.Get(sess, limiterKey)
			if !ok {
				limiter = rate.NewLimiter(rate.Limit(r), burst)
				session.Set(sess, limiterKey, limiter)
			}
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, ev)
		}
	}
}
