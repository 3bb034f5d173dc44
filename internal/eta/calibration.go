package eta

import (
	"context"
	"time"

	"turbodriver/internal/dispatch"
)

// CalibrationContext carries the time-of-day facts a Calibrator needs
// without forcing it to depend on a clock.
type CalibrationContext struct {
	Hour    int // 0-23, local to the dispatch region
	Weekday time.Weekday
}

// Calibrator adjusts a raw routing duration for conditions the provider's
// historical-traffic model doesn't capture on its own.
type Calibrator interface {
	Calibrate(ctx context.Context, rawSeconds int, cc CalibrationContext) (int, error)
}

// TimeOfDayCalibrator applies a flat multiplier table by hour and weekend
// status, grounded on the sibling example's traffic-multiplier service:
// morning/evening rush hours run hot, weekend midday runs a little hot,
// late night runs cool.
type TimeOfDayCalibrator struct{}

func (TimeOfDayCalibrator) Calibrate(ctx context.Context, rawSeconds int, cc CalibrationContext) (int, error) {
	mult := multiplierFor(cc)
	return int(float64(rawSeconds) * mult), nil
}

func multiplierFor(cc CalibrationContext) float64 {
	weekend := cc.Weekday == time.Saturday || cc.Weekday == time.Sunday

	switch {
	case cc.Hour >= 0 && cc.Hour < 5:
		return 0.85
	case !weekend && (cc.Hour >= 7 && cc.Hour < 10):
		return 1.4
	case !weekend && (cc.Hour >= 16 && cc.Hour < 19):
		return 1.5
	case weekend && (cc.Hour >= 11 && cc.Hour < 15):
		return 1.15
	default:
		return 1.0
	}
}

// CalibratingOracle wraps an Oracle and runs every raw duration through a
// Calibrator. A calibration failure keeps the raw value rather than
// discarding the estimate.
type CalibratingOracle struct {
	Inner      Oracle
	Calibrator Calibrator
	Now        func() time.Time
}

func NewCalibratingOracle(inner Oracle, calibrator Calibrator, now func() time.Time) *CalibratingOracle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CalibratingOracle{Inner: inner, Calibrator: calibrator, Now: now}
}

func (c *CalibratingOracle) MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (Result, error) {
	raw, err := c.Inner.MultiETA(ctx, origins, dest, nil)
	if err != nil {
		return Result{}, err
	}

	cc := CalibrationContext{Hour: c.Now().Hour(), Weekday: c.Now().Weekday()}
	out := make([]*int, len(raw.DurationsSeconds))
	for i, d := range raw.DurationsSeconds {
		if d == nil {
			continue
		}
		v := *d
		if c.Calibrator != nil {
			if calibrated, err := c.Calibrator.Calibrate(ctx, v, cc); err == nil {
				v = calibrated
			}
		}
		if boundSeconds != nil && v > *boundSeconds {
			continue
		}
		out[i] = seconds(v)
	}
	return Result{DurationsSeconds: out, BestIndex: bestIndex(out)}, nil
}
