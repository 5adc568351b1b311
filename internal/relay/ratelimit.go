package relay

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited keeps a Relayer inside the provider's request budget.
type RateLimited struct {
	next    Relayer
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of rps and burst. rps <= 0 disables limiting.
func NewRateLimited(next Relayer, rps float64, burst int) *RateLimited {
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimited{next: next, limiter: lim}
}

// Submit waits for a token, then submits.
func (r *RateLimited) Submit(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, &Error{Kind: Transient, Op: "submit", Msg: "rate limit wait", Err: err}
	}
	return r.next.Submit(ctx, req)
}

// TaskStatus waits for a token, then polls.
func (r *RateLimited) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return TaskStatus{}, &Error{Kind: Transient, Op: "status", Msg: "rate limit wait", Err: err}
	}
	return r.next.TaskStatus(ctx, taskID)
}
