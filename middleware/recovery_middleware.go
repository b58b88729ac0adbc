package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/dolphin2410/bukrs/dispatch"
)

var ErrPanic = errors.New("middleware: handler panicked")

// Recovery turns a handler panic into an error so one bad handler cannot
// take down the connection goroutine.
func Recovery() dispatch.Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, ev *dispatch.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %s: %v", ErrPanic, ev.Name, r)
				}
			}()
			return next(ctx, ev)
		}
	}
}
