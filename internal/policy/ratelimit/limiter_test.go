package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

var _ crawler.Policy = (*Limiter)(nil)

func TestWaitSpacesRequestsPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://shop.test/dp/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://shop.test/dp/2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Another domain has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.test/dp/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitUnlimitedAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{Domains: map[string]float64{"Slow.Test": 1}})
	ctx := context.Background()
	for range 20 {
		require.NoError(t, l.Wait(ctx, "https://fast.test/x"))
	}

	require.NoError(t, l.Wait(ctx, "https://slow.test/x"))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Wait(short, "https://slow.test/y")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait for slow.test")
}
