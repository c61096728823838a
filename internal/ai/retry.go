package ai

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy is a capped exponential backoff retry policy.
type Policy struct {
	Max      int           // total attempts (default 3)
	Base     time.Duration // default 100ms
	MaxDelay time.Duration // default 2s
	Jitter   float64       // 0.2 = 20%
}

func (p Policy) withDefaults() Policy {
	if p.Max <= 0 {
		p.Max = 3
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Do runs fn up to p.Max times, sleeping an exponentially growing delay
// between attempts. NoRetry errors stop immediately; RetryAfter hints are
// respected up to MaxDelay.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.Max; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if attempt >= p.Max {
			break
		}

		delay := p.delay(attempt, err)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return err
}

func (p Policy) delay(attempt int, err error) time.Duration {
	// Respect explicit retry-after hints.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return jittered(d, p.Jitter)
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return jittered(d, p.Jitter)
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	r := (rand.Float64()*2 - 1) * jitter
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		return 0
	}
	return out
}
