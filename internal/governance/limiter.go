package governance

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces dispatches with a token bucket. A nil *Limiter allows
// everything.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter returns a limiter admitting rps requests per second with the
// given burst. A non-positive rps disables limiting and returns nil.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a dispatch is admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
