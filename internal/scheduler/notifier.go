package scheduler

import (
	"context"
	"time"

	"turbodriver/internal/clockz"
)

// changeSource is the subset of the dispatch store the notifier needs: a
// channel that closes on the next write to a given dispatch id.
type changeSource interface {
	Changed(id string) <-chan struct{}
}

// waitForChangeOrDeadline blocks until either the dispatch identified by
// id is written to, the deadline elapses, ctx is cancelled, or a coarse 1s
// fallback tick fires; on the tick it returns nil so the caller re-reads
// the dispatch, which catches a write whose change signal this process
// never saw (one made before the subscription, or by another instance).
// Apart from that tick the only timer is the deadline itself.
func waitForChangeOrDeadline(ctx context.Context, clock clockz.Clock, src changeSource, id string, deadline time.Time) error {
	timer := clock.NewTimer(time.Until(deadline))
	defer timer.Stop()

	fallback := time.NewTicker(time.Second)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
			return errDeadline
		case <-src.Changed(id):
			return nil
		case <-fallback.C:
			// hand back to the caller, which re-reads the dispatch: a
			// write that landed before this subscription, or in another
			// process, never closes the Changed channel.
			return nil
		}
	}
}

var errDeadline = deadlineError{}

type deadlineError struct{}

func (deadlineError) Error() string { return "scheduler: wait deadline elapsed" }
