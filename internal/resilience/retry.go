// Package resilience wraps outbound collaborator calls with bounded,
// classified retries.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/logging"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 4 * time.Second
	DefaultJitter      = 0.1 // ±10%
)

// Policy holds retry settings. Zero fields take the defaults above.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the fractional spread applied to every delay. Negative
	// disables jitter entirely.
	Jitter   float64
	Classify func(error) Class

	Clock  clockwork.Clock
	Logger logging.Logger
	// rand returns a value in [0,1). Tests pin it.
	rand func() float64
}

// DefaultPolicy returns the standard collaborator retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Classify == nil {
		p.Classify = Classify
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = logging.Nop()
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*p.rand() - 1)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// context ends, or MaxAttempts is used up. Exhaustion yields *ExhaustedError.
func Do(ctx context.Context, name string, p Policy, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Classify(lastErr) == NonRetryable {
			p.Logger.Warnw("non-retryable failure", "op", name, "attempt", attempt+1, "err", lastErr)
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		p.Logger.Debugw("retrying after error", "op", name, "attempt", attempt+1, "max", p.MaxAttempts, "delay", delay, "err", lastErr)
		t := p.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.Chan():
		}
	}
	p.Logger.Warnw("retries exhausted", "op", name, "attempts", p.MaxAttempts, "err", lastErr)
	return &ExhaustedError{Op: name, Attempts: p.MaxAttempts, Last: lastErr}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, name string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, name, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
