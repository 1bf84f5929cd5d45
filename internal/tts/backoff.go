package tts

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts against the primary speech service.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	// Jitter draws a value in [0, limit). Nil means uniform random.
	Jitter func(limit time.Duration) time.Duration
}

// Delay returns min(InitialDelay*2^attempt + jitter, MaxDelay) for the
// 0-indexed attempt that just failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	exponential := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if exponential >= float64(p.MaxDelay) {
		return p.MaxDelay
	}

	delay := time.Duration(exponential) + p.jitter()
	if delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}

// NewState starts a fresh attempt counter for one synthesis.
func (p RetryPolicy) NewState() *RetryState {
	return &RetryState{policy: p, failed: 0}
}

func (p RetryPolicy) jitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}

	if p.Jitter != nil {
		return p.Jitter(p.MaxJitter)
	}

	return rand.N(p.MaxJitter)
}

// RetryState counts failed attempts of one synthesis. It implements
// backoff.BackOff: NextBackOff records a failure and returns the wait before
// the next attempt, or backoff.Stop once MaxAttempts attempts have failed.
type RetryState struct {
	policy RetryPolicy
	failed int
}

var _ backoff.BackOff = (*RetryState)(nil)

// NextBackOff records one failed attempt.
func (s *RetryState) NextBackOff() time.Duration {
	attempt := s.failed
	s.failed++

	if s.failed >= s.policy.MaxAttempts {
		return backoff.Stop
	}

	return s.policy.Delay(attempt)
}

// Reset clears the failure count.
func (s *RetryState) Reset() {
	s.failed = 0
}

// Failed returns the number of failed attempts so far.
func (s *RetryState) Failed() int {
	return s.failed
}
