package worker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited throttles Execute calls on the wrapped client. Polls are not limited.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter

	mu      sync.Mutex
	minRate rate.Limit
}

// NewRateLimited allows perSecond executions with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimited(next Client, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		minRate: rate.Limit(0.01),
	}
}

// Execute waits for a token, then delegates.
func (r *RateLimited) Execute(ctx context.Context, phaseID, caseID string, cfg Config) (Handle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.Execute(ctx, phaseID, caseID, cfg)
}

// Poll delegates.
func (r *RateLimited) Poll(ctx context.Context, handle Handle) (Outcome, error) {
	return r.next.Poll(ctx, handle)
}

// ReduceRate halves the execution rate, never going below a floor. An
// unlimited client drops to one request per second.
func (r *RateLimited) ReduceRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.limiter.Limit()
	next := current / 2
	if current == rate.Inf {
		next = 1
	}
	if next < r.minRate {
		next = r.minRate
	}
	r.limiter.SetLimit(next)
	return float64(next)
}

// Rate returns the current executions-per-second limit.
func (r *RateLimited) Rate() float64 {
	return float64(r.limiter.Limit())
}

var _ RateAdjuster = (*RateLimited)(nil)
