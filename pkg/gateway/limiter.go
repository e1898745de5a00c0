package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RatePolicy defines the admission rate for one provider.
type RatePolicy struct {
	RPS   float64
	Burst int
}

// LimiterStore abstracts the storage for per-provider token buckets.
// The local store serves single-process deployments; the Redis store
// shares buckets across processes.
type LimiterStore interface {
	// Allow reports whether the provider may be called at a cost of
	// 'cost' tokens right now. It never blocks.
	Allow(ctx context.Context, providerID string, policy RatePolicy, cost int) (bool, error)
}

// LocalLimiter implements LimiterStore with in-process token buckets.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an empty local limiter. Buckets materialize on
// first use with the policy passed at that moment.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, providerID string, policy RatePolicy, cost int) (bool, error) {
	l.mu.Lock()
	lim, ok := l.buckets[providerID]
	if !ok {
		limit := rate.Limit(policy.RPS)
		if policy.RPS <= 0 {
			limit = rate.Inf
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(limit, burst)
		l.buckets[providerID] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}
