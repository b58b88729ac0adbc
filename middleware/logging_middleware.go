package middleware

import (
	"context"
	"time"

	"github.com/dolphin2410/bukrs/dispatch"
	"go.uber.org/zap"
)

// Logging logs every dispatched packet at debug level and handler failures
// at warn level.
func Logging(logger *zap.Logger) dispatch.Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, ev *dispatch.Event) error {
			start := time.Now()
			err := next(ctx, ev)
			fields := []zap.Field{
				zap.Uint64("conn_id", ev.Conn.ID()),
				zap.String("packet", ev.Name),
				zap.Int32("payload_id", ev.PayloadID),
				zap.Int("handlers", ev.Handled),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, zap.Error(err))...)
				return err
			}
			if ev.Handled == 0 {
				logger.Debug("no handler for packet", fields...)
				return nil
			}
			logger.Debug("packet handled", fields...)
			return nil
		}
	}
}
