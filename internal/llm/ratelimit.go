package llm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitedProvider wraps a Provider with per-workspace token buckets so a
// busy workspace cannot starve its neighbors of model quota.
type RateLimitedProvider struct {
	inner Provider
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitedProvider wraps inner with per-workspace limiters at the given
// requests per second and burst.
func NewRateLimitedProvider(inner Provider, rps float64, burst int) *RateLimitedProvider {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:    inner,
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// Complete waits for the workspace's limiter before calling through. An empty
// workspace id shares one global bucket.
func (p *RateLimitedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return p.CompleteForWorkspace(ctx, "", req)
}

// CompleteForWorkspace rate-limits per workspace, then delegates.
func (p *RateLimitedProvider) CompleteForWorkspace(ctx context.Context, workspaceID string, req *Request) (*Response, error) {
	if err := p.limiter(workspaceID).Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Complete(ctx, req)
}

func (p *RateLimitedProvider) limiter(workspaceID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[workspaceID]
	if !ok {
		lim = rate.NewLimiter(p.rps, p.burst)
		p.limiters[workspaceID] = lim
	}
	return lim
}
