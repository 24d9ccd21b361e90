package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

func robotsServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnforcerHonorsRobots(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, &hits)
	e := New(Config{Respect: true, UserAgent: "test-agent"}, srv.Client(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, e.Wait(ctx, srv.URL+"/dp/allowed"))
	err := e.Wait(ctx, srv.URL+"/blocked/item")
	require.ErrorIs(t, err, crawler.ErrPolicyDenied)
	require.Contains(t, err.Error(), "robots.txt")
	require.Equal(t, int32(1), hits.Load())
}

func TestEnforcerIgnoresRobotsWhenDisabled(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, &hits)
	e := New(Config{}, srv.Client(), nil)
	require.NoError(t, e.Wait(context.Background(), srv.URL+"/blocked"))
	require.Zero(t, hits.Load())
}

func TestEnforcerAllowsWhenRobotsMissingOrUnreachable(t *testing.T) {
	t.Parallel()

	missing := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(missing.Close)
	e := New(Config{Respect: true}, missing.Client(), nil)
	require.NoError(t, e.Wait(context.Background(), missing.URL+"/anything"))

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	e = New(Config{Respect: true}, nil, nil)
	require.NoError(t, e.Wait(context.Background(), down.URL+"/anything"))
}

func TestEnforcerBlocklist(t *testing.T) {
	t.Parallel()

	e := New(Config{Blocklist: []string{"Ads.Shop.test", "*.tracker.test", ".cdn.test", " ", "*."}}, nil, nil)
	ctx := context.Background()
	cases := map[string]bool{
		"https://ads.shop.test/x":     true,
		"https://shop.test/dp/1":      false,
		"https://a.b.tracker.test/p":  true,
		"https://tracker.test/":       true,
		"https://cdn.test:8443/img":   true,
		"https://notcdn.test/img":     false,
		"https://www.amazon.in/dp/B1": false,
	}
	for raw, blocked := range cases {
		err := e.Wait(ctx, raw)
		if blocked {
			require.ErrorIs(t, err, crawler.ErrPolicyDenied, raw)
		} else {
			require.NoError(t, err, raw)
		}
	}
	require.ErrorIs(t, e.Wait(ctx, "not a url"), crawler.ErrPolicyDenied)
}

func TestNewBlocklistEmpty(t *testing.T) {
	t.Parallel()
	require.Nil(t, newBlocklist(nil))
	require.Nil(t, newBlocklist([]string{"", "  ", "*."}))
	require.False(t, (*blocklist)(nil).isBlocked("shop.test"))
}
