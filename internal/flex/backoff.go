package flex

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryStrategy computes poll retry waits: exponential backoff with a cap,
// a uniform jitter multiplier, and a floor applied before the first poll.
// The random source is injectable so tests get deterministic waits.
type RetryStrategy struct {
	InitialWait   time.Duration
	RetryAttempts int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	JitterMin     float64
	JitterMax     float64

	// RandomUnit returns a value in [0.0, 1.0]. Defaults to math/rand.
	RandomUnit func() float64
}

// Validate checks strategy bounds
func (s *RetryStrategy) Validate() error {
	if s.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be >= 1")
	}
	if s.InitialWait < 0 {
		return fmt.Errorf("initial wait must be >= 0")
	}
	if s.BackoffBase < 0 {
		return fmt.Errorf("backoff base must be >= 0")
	}
	if s.BackoffMax <= 0 {
		return fmt.Errorf("backoff max must be > 0")
	}
	if s.JitterMin <= 0 {
		return fmt.Errorf("jitter min multiplier must be > 0")
	}
	if s.JitterMax < s.JitterMin {
		return fmt.Errorf("jitter max multiplier must be >= jitter min multiplier")
	}
	return nil
}

// WaitFor returns the wait duration preceding poll attempt retryIndex
// (zero-based): max(initial_wait, min(base*2^i, max) * jitter).
func (s *RetryStrategy) WaitFor(retryIndex int) time.Duration {
	if retryIndex < 0 {
		retryIndex = 0
	}

	backoff := s.BackoffBase
	for i := 0; i < retryIndex; i++ {
		backoff *= 2
		if backoff >= s.BackoffMax {
			backoff = s.BackoffMax
			break
		}
	}
	if backoff > s.BackoffMax {
		backoff = s.BackoffMax
	}

	jittered := time.Duration(float64(backoff) * s.jitterMultiplier())
	if jittered < s.InitialWait {
		return s.InitialWait
	}
	return jittered
}

// jitterMultiplier maps the unit random value onto [JitterMin, JitterMax]
func (s *RetryStrategy) jitterMultiplier() float64 {
	random := s.RandomUnit
	if random == nil {
		random = rand.Float64
	}
	unit := random()
	if unit < 0 {
		unit = 0
	}
	if unit > 1 {
		unit = 1
	}
	return s.JitterMin + unit*(s.JitterMax-s.JitterMin)
}

// sleep waits for d or until ctx is cancelled. A cancellation during a retry
// wait must terminate the run, so this never ignores ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
