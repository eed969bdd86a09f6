// Package lifecycle is the guest state machine. Every function here is pure:
// the same guest, event and policy always produce the same result, which is
// what lets a guest's state be rebuilt from its attempt log.
package lifecycle

import (
	"hash/fnv"
	"time"
)

// Policy holds the retry limits the state machine enforces.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction the delay may move either way (0.2 = ±20%).
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Hour,
		MaxDelay:    24 * time.Hour,
		Jitter:      0.2,
	}
}

// Delay is the un-jittered wait after the n-th failed attempt: the base
// delay doubled per attempt, capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// NextEligible returns when the n-th failed attempt may be retried. The
// jitter is drawn from seed (the attempt id) rather than a random source, so
// replaying the same log lands on the same instant.
func (p Policy) NextEligible(n int, at time.Time, seed string) time.Time {
	d := p.Delay(n)
	if p.Jitter <= 0 {
		return at.Add(d)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	u := float64(h.Sum64()%10001) / 10000 // [0, 1]
	factor := 1 + p.Jitter*(2*u-1)
	return at.Add(time.Duration(float64(d) * factor))
}
