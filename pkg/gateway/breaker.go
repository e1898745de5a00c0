package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// circuitOpenError marks a short-circuited call so the retry loop fails
// over to the next candidate immediately instead of burning attempts on
// a provider the breaker already gave up on.
type circuitOpenError struct {
	providerID string
}

func (e *circuitOpenError) Error() string {
	return fmt.Sprintf("gateway: circuit open for provider %s", e.providerID)
}

func (e *circuitOpenError) Unwrap() error { return contracts.ErrProviderUnavailable }

// breakerSet lazily creates one circuit breaker per provider. A breaker
// opens after a run of consecutive failures, half-opens after the
// cooldown, and closes again on a single successful probe.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	failures uint32
	cooldown time.Duration
}

func newBreakerSet(failures uint32, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		failures: failures,
		cooldown: cooldown,
	}
}

func (b *breakerSet) forProvider(id string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[id]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id,
			MaxRequests: 1,
			Timeout:     b.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= b.failures
			},
		})
		b.breakers[id] = cb
	}
	return cb
}
