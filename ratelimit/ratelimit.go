// Package ratelimit provides a simple packets-per-second rate limiter.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits to pps packets per second on average.
// Safe for concurrent use.
type Throttle struct {
	lim   *rate.Limiter
	burst uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	// Allow ~10ms of packets at once.
	// At least 32 packets. At most 1024 packets.
	burst := min(max(pps/100, 32), 1024)
	return &Throttle{
		lim:   rate.NewLimiter(rate.Limit(pps), int(burst)),
		burst: burst,
	}
}

// ThrottleN blocks until n packets are allowed or ctx is done.
// A nil Throttle never blocks.
func (l *Throttle) ThrottleN(ctx context.Context, n uint64) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		k := min(n, l.burst)
		if err := l.lim.WaitN(ctx, int(k)); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
