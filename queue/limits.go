package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig shapes the claim rate limit for one session tier.
type LimitConfig struct {
	// RatePerSecond caps claim submissions per second. Zero means no
	// limit for the tier.
	RatePerSecond float64

	// Burst allows short spikes above the sustained rate. Defaults to 1
	// when a rate is set.
	Burst int
}

// TierLimiter rate-limits claim submissions per session tier, keeping a
// single greedy claimer from starving the log of other commands. It is
// safe for concurrent use.
type TierLimiter struct {
	mu       sync.Mutex
	configs  map[int]LimitConfig
	fallback LimitConfig
	limiters map[int]*rate.Limiter
}

// NewTierLimiter builds a limiter from per-tier configs. fallback
// applies to tiers without an explicit entry.
func NewTierLimiter(configs map[int]LimitConfig, fallback LimitConfig) *TierLimiter {
	return &TierLimiter{
		configs:  configs,
		fallback: fallback,
		limiters: make(map[int]*rate.Limiter),
	}
}

// Allow reports whether a claim for the given tier may proceed now.
func (l *TierLimiter) Allow(tier int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[tier]
	if !ok {
		cfg, found := l.configs[tier]
		if !found {
			cfg = l.fallback
		}
		if cfg.RatePerSecond <= 0 {
			l.limiters[tier] = nil
			return true
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		l.limiters[tier] = lim
	}
	if lim == nil {
		return true
	}
	return lim.Allow()
}
