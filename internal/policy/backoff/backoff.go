// Package backoff computes the pause a worker takes after reporting a failed attempt.
package backoff

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

const (
	defaultBase = 500 * time.Millisecond
	defaultMax  = 30 * time.Second
)

// Exponential yields min(base * 2^attempt, max). With Jitter set, the result is drawn
// from [delay/2, delay).
type Exponential struct {
	base   time.Duration
	max    time.Duration
	jitter bool
}

// NewExponential builds a policy. Non-positive inputs fall back to defaults and max is
// raised to base when smaller.
func NewExponential(base, maxDelay time.Duration, jitter bool) *Exponential {
	if base <= 0 {
		base = defaultBase
	}
	if maxDelay <= 0 {
		maxDelay = defaultMax
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Exponential{base: base, max: maxDelay, jitter: jitter}
}

// Delay returns the pause after the given number of attempts.
func (p *Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.base) * math.Pow(2, float64(attempt))
	if delay > float64(p.max) || math.IsInf(delay, 1) {
		delay = float64(p.max)
	}
	d := time.Duration(delay)
	if !p.jitter {
		return d
	}
	return d/2 + randomJitter(d/2)
}

// Max reports the cap.
func (p *Exponential) Max() time.Duration {
	return p.max
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
