// Package ratelimit throttles data channel throughput to a number of bytes
// per second. It wraps golang.org/x/time/rate with a byte oriented API.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter limits the rate of data transfer to a specified bytes per second.
// A nil *Limiter never waits.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter for bytesPerSecond. The bucket holds one second
// worth of data, allowing short bursts while keeping the average rate.
// A non-positive rate returns nil (unlimited).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst <= 0 {
		burst = int(^uint(0) >> 1)
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Wait blocks until n bytes may be transferred or ctx is done. Requests
// larger than the burst are split.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	burst := l.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := l.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// BytesPerSecond returns the configured rate, or 0 for a nil limiter.
func (l *Limiter) BytesPerSecond() int64 {
	if l == nil {
		return 0
	}
	return int64(l.limiter.Limit())
}
