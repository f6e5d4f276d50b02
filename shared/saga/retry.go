package saga

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides the delay before the next attempt of a failing step.
// Next is a pure function of how many attempts already failed; ok=false means give up.
type RetryPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
	Bounded() bool
}

type noRetry struct{}

// NoRetry gives up on the first retryable failure
func NoRetry() RetryPolicy {
	return noRetry{}
}

func (noRetry) Next(int) (time.Duration, bool) {
	return 0, false
}

func (noRetry) Bounded() bool {
	return true
}

// FixedPolicy waits Interval between attempts, at most MaxAttempts retries
type FixedPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

func Fixed(interval time.Duration, maxAttempts int) FixedPolicy {
	return FixedPolicy{Interval: interval, MaxAttempts: maxAttempts}
}

func (p FixedPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}

	b := backoff.NewConstantBackOff(p.Interval)
	return b.NextBackOff(), true
}

func (p FixedPolicy) Bounded() bool {
	return p.MaxAttempts > 0
}

// ExponentialPolicy doubles the delay from InitialInterval up to MaxInterval and
// gives up once the accumulated delay would exceed MaxElapsed.
type ExponentialPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	Multiplier      float64
}

func Exponential(initial, maxInterval, maxElapsed time.Duration) ExponentialPolicy {
	return ExponentialPolicy{
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		MaxElapsed:      maxElapsed,
		Multiplier:      2,
	}
}

func (p ExponentialPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || !p.Bounded() {
		return 0, false
	}

	b := p.newBackOff()
	var (
		elapsed time.Duration
		delay   time.Duration
	)
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return 0, false
		}
		elapsed += delay
		if elapsed > p.MaxElapsed {
			return 0, false
		}
	}

	return delay, true
}

func (p ExponentialPolicy) Bounded() bool {
	return p.MaxElapsed > 0 && p.InitialInterval > 0
}

func (p ExponentialPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	// deterministic delays so a resumed run computes the same schedule
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
