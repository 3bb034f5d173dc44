// Package eventbus is the event bus (C6): at-least-once emission of
// dispatch and ride lifecycle events to whoever is listening on a given
// address (a dispatch id or ride id).
package eventbus

import (
	"context"

	"turbodriver/internal/obslog"
)

// Bus is the C6 contract. Emit delivers event/payload to every listener
// registered on address; delivery is best-effort and at-least-once, never
// exactly-once.
type Bus interface {
	Emit(ctx context.Context, address, event string, payload any) error
}

// LoggingBus wraps a Bus and logs delivery failures instead of
// propagating them: a dropped push notification is not a reason to fail
// the request that triggered it.
type LoggingBus struct {
	Inner Bus
	Log   obslog.Logger
}

func NewLoggingBus(inner Bus) *LoggingBus {
	return &LoggingBus{Inner: inner, Log: obslog.New("eventbus")}
}

func (b *LoggingBus) Emit(ctx context.Context, address, event string, payload any) error {
	if err := b.Inner.Emit(ctx, address, event, payload); err != nil {
		b.Log.Warn("", "failed to deliver event", map[string]any{"address": address, "event": event, "error": err.Error()})
	}
	return nil
}
