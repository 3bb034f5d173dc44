// Package eta is the ETA oracle (C2): it takes many candidate driver
// origins and a destination and returns a duration estimate per origin,
// applying an optional upper bound and time-of-day calibration.
package eta

import (
	"context"

	"turbodriver/internal/dispatch"
)

// Result is the outcome of a MultiETA call. A nil entry in
// DurationsSeconds means that origin was unreachable or exceeded the
// bound; BestIndex is -1 when every origin was excluded.
type Result struct {
	DurationsSeconds []*int
	BestIndex        int
}

// Oracle is the C2 contract the scheduler depends on.
type Oracle interface {
	MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (Result, error)
}

func seconds(v int) *int { return &v }

// bestIndex returns the index of the smallest non-nil duration, or -1.
func bestIndex(durations []*int) int {
	best := -1
	for i, d := range durations {
		if d == nil {
			continue
		}
		if best == -1 || *d < *durations[best] {
			best = i
		}
	}
	return best
}
