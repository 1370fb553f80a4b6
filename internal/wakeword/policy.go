package wakeword

import (
	"math"
	"time"

	"github.com/Aayaan-Sahu/kova/domain"
)

// ReconnectPolicy decides how long to wait before a reconnect attempt.
// attempt counts consecutive failed connections, starting at 0, and is reset
// by every successful connect.
type ReconnectPolicy interface {
	Delay(attempt int) (time.Duration, error)
}

// DefaultFixedDelay is the reconnect delay of the transport detector
const DefaultFixedDelay = 1500 * time.Millisecond

// FixedDelay retries forever after the same delay. Network blips are
// expected on the transport detector.
type FixedDelay struct {
	Interval time.Duration
}

// Delay implements ReconnectPolicy
func (p FixedDelay) Delay(attempt int) (time.Duration, error) {
	if p.Interval <= 0 {
		return DefaultFixedDelay, nil
	}
	return p.Interval, nil
}

const (
	// DefaultBackoffBase is the first delay of the speech detector
	DefaultBackoffBase = time.Second
	// DefaultBackoffFactor grows the delay per attempt
	DefaultBackoffFactor = 1.5
	// DefaultMaxAttempts is the hard cap of the speech detector
	DefaultMaxAttempts = 5
)

// ExponentialBackoff waits Base*Factor^attempt and gives up with
// domain.ErrMaxRetriesExceeded after MaxAttempts consecutive failures.
type ExponentialBackoff struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

// NewExponentialBackoff returns the speech detector policy with base as the
// first delay
func NewExponentialBackoff(base time.Duration) ExponentialBackoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return ExponentialBackoff{
		Base:        base,
		Factor:      DefaultBackoffFactor,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay implements ReconnectPolicy
func (p ExponentialBackoff) Delay(attempt int) (time.Duration, error) {
	if attempt >= p.MaxAttempts {
		return 0, domain.ErrMaxRetriesExceeded
	}
	return time.Duration(float64(p.Base) * math.Pow(p.Factor, float64(attempt))), nil
}
