package catalogsync

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RunPeriodic requests an incremental pass every interval (+/- jitter ratio)
// until ctx ends. Requests that land during an active run are queued by the
// coordinator, never stacked.
func (c *Coordinator) RunPeriodic(ctx context.Context, interval time.Duration, jitter float64) {
	if interval <= 0 {
		return
	}
	jitter = clampJitterRatio(jitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("periodic sync stopping", zap.Error(ctx.Err()))
			return
		case <-timer.C:
			c.RequestIncremental()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * max(factor, 0))
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
