package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter holds per-endpoint-category limiters. Venue APIs budget order
// placement, cancellation, and book reads separately, so each category gets
// its own bucket.
type RateLimiter struct {
	Book   *rate.Limiter
	Order  *rate.Limiter
	Cancel *rate.Limiter
	Misc   *rate.Limiter
}

// NewRateLimiter returns limits safely under the public venue budgets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Book:   rate.NewLimiter(rate.Limit(40), 80),
		Order:  rate.NewLimiter(rate.Limit(8), 16),
		Cancel: rate.NewLimiter(rate.Limit(8), 16),
		Misc:   rate.NewLimiter(rate.Limit(10), 20),
	}
}
