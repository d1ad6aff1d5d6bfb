package market

import (
	"errors"
	"sync"
	"time"
)

// ErrBrokerTripped is returned while the breaker is rejecting broker calls.
var ErrBrokerTripped = errors.New("broker circuit tripped")

// BreakerState reports the breaker's health for the status endpoint.
type BreakerState string

const (
	BreakerHealthy BreakerState = "healthy"
	BreakerTripped BreakerState = "tripped"
	BreakerProbing BreakerState = "probing"
)

// breaker trips after a run of consecutive broker failures so a dead or
// rate-limiting upstream is not hammered by every dashboard poll. While
// tripped it rejects calls until cooldown has passed, then lets a single
// probe through; the probe's outcome decides whether it closes again.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	failures  int
	trippedAt time.Time
	probing   bool

	onTrip func() // optional, fired on the healthy -> tripped edge
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// do wraps one broker call.
func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	if b.failures >= b.threshold {
		if time.Since(b.trippedAt) < b.cooldown || b.probing {
			b.mu.Unlock()
			return ErrBrokerTripped
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		wasHealthy := b.failures < b.threshold
		b.failures++
		b.trippedAt = time.Now()
		if wasHealthy && b.failures >= b.threshold && b.onTrip != nil {
			b.onTrip()
		}
		return err
	}
	b.failures = 0
	return nil
}

func (b *breaker) state() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.failures < b.threshold:
		return BreakerHealthy
	case time.Since(b.trippedAt) < b.cooldown:
		return BreakerTripped
	default:
		return BreakerProbing
	}
}
