// Package ratelimit throttles outbound fetches with a token bucket per domain.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/product-scraper/internal/metrics"
)

// Config sets the default bucket and optional per-domain rates.
type Config struct {
	RPS     float64            `mapstructure:"rps"`
	Burst   int                `mapstructure:"burst"`
	Domains map[string]float64 `mapstructure:"domains"`
}

// Limiter implements crawler.Policy.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	domains  map[string]rate.Limit
}

// New builds a Limiter. A non-positive RPS means unlimited.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	domains := make(map[string]rate.Limit, len(cfg.Domains))
	for host, rps := range cfg.Domains {
		domains[strings.ToLower(host)] = toLimit(rps)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     toLimit(cfg.RPS),
		burst:    burst,
		domains:  domains,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until the URL's domain has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := metrics.SanitizeSite(rawURL)
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[domain]; ok {
		return limiter
	}
	r, ok := l.domains[domain]
	if !ok {
		r = l.rate
	}
	limiter := rate.NewLimiter(r, l.burst)
	l.limiters[domain] = limiter
	return limiter
}
