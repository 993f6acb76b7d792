package recovery

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReconnectTimeout bounds one recovery run triggered by a reconnect.
const DefaultReconnectTimeout = 30 * time.Second

// ReconnectHandler returns a callback for transport (re)connections that
// recovers r with its own registry. Restores merge idempotently, so running it
// after the startup recovery is harmless.
func ReconnectHandler(r Recoverable, timeout time.Duration) func() {
	if timeout <= 0 {
		timeout = DefaultReconnectTimeout
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		registry := NewRecoveryRegistry()
		if err := r.RecoverState(ctx, registry); err != nil {
			slog.Error("recovery.ReconnectHandler: recovery after reconnect failed", "error", err)
			return
		}
		t := registry.Totals()
		slog.Info("recovery.ReconnectHandler: recovered after reconnect", "retroactive", t.Retroactive, "future", t.Future, "duplicates", t.Duplicates)
	}
}
