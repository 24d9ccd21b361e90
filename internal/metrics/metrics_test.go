package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"https", "https://www.Amazon.in/dp/B0", "www.amazon.in"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(jobsTotal.WithLabelValues("challenged"))
	ObserveJob("challenged")
	require.InDelta(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("challenged")), 0)

	beforeRetries := testutil.ToFloat64(retriesTotal)
	ObserveRetry()
	require.InDelta(t, beforeRetries+1, testutil.ToFloat64(retriesTotal), 0)

	beforeChallenge := testutil.ToFloat64(challengesTotal.WithLabelValues("shop.test"))
	ObserveChallenge("https://shop.test/dp/1")
	require.InDelta(t, beforeChallenge+1, testutil.ToFloat64(challengesTotal.WithLabelValues("shop.test")), 0)

	ObserveBatch("ok", time.Second, 0, 0, 3, 1)
	require.InDelta(t, 3, testutil.ToFloat64(batchJobs.WithLabelValues("completed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(batchJobs.WithLabelValues("failed")), 0)

	ObserveAttempt("success")
	ObserveFetch("https://shop.test/dp/1", 120*time.Millisecond)
	ObserveRateLimitDelay("shop.test", time.Millisecond)
	IncActiveWorkers()
	DecActiveWorkers()
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", Handler())
	ts := httptest.NewServer(r)
	defer ts.Close()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	resp, err := http.Get(ts.URL + "/missing")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.True(t, strings.Contains(string(body), "http_requests_total"))
}
