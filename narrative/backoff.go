package narrative

import (
	"context"
	"math"
	"time"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
)

// RetryPolicy spaces calls and retries against the rate-limited service.
type RetryPolicy struct {
	// BaseDelay separates consecutive items and seeds the backoff.
	BaseDelay time.Duration
	// Multiplier grows the delay per attempt; values below 1 are treated as 1.
	Multiplier float64
	// MaxDelay caps computed delays when positive. Explicit retry-after values are not capped.
	MaxDelay time.Duration
	// MaxRetries is the total number of attempts per item, at least 1.
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  2 * time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 3,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Delay is the wait after failed attempt n (1-based): BaseDelay * Multiplier^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 || math.IsNaN(mult) {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 || math.IsInf(d, 1) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextDelay prefers a retry-after supplied by the service over the computed delay.
func (p RetryPolicy) NextDelay(attempt int, err error) time.Duration {
	if d, ok := provider.RetryAfterOf(err); ok && d > 0 {
		return d
	}
	return p.Delay(attempt)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
