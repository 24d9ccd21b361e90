package dispatcher

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/extract"
	memqueue "github.com/JakeFAU/product-scraper/internal/queue/memory"
	"github.com/JakeFAU/product-scraper/internal/retry"
	"github.com/JakeFAU/product-scraper/internal/worker"
)

// gaugeFetcher tracks how many fetches run at once.
type gaugeFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (g *gaugeFetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return crawler.Page{}, ctx.Err()
	}
	return crawler.Page{URL: url, StatusCode: http.StatusOK, Body: []byte(`<span id="productTitle">x</span>`)}, nil
}

type countSink struct {
	mu  sync.Mutex
	ids map[string]int
}

func (s *countSink) Record(r crawler.JobReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[r.Job.ID]++
}

func (s *countSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func newDeps(t *testing.T, f crawler.Fetcher) worker.Deps {
	t.Helper()
	r, err := retry.New(retry.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	return worker.Deps{
		Fetcher:   f,
		Extractor: extract.NewProductExtractor(extract.Selectors{}, nil),
		Retrier:   r,
	}
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
	_, err = NewPool(0, newDeps(t, &gaugeFetcher{}), worker.Config{}, nil)
	require.ErrorContains(t, err, "crawler.concurrency must be > 0")
	_, err = NewPool(2, worker.Deps{}, worker.Config{}, nil)
	require.ErrorContains(t, err, "build worker 0")

	d, err := NewPool(4, newDeps(t, &gaugeFetcher{}), worker.Config{}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 4, d.Size())
}

func TestRunBoundsConcurrencyAndAcksEveryJob(t *testing.T) {
	t.Parallel()

	fetcher := &gaugeFetcher{delay: 20 * time.Millisecond}
	d, err := NewPool(3, newDeps(t, fetcher), worker.Config{}, zap.NewNop())
	require.NoError(t, err)

	q := memqueue.NewQueue("b")
	for range 12 {
		_, err := q.Enqueue(context.Background(), "https://shop.test/dp/x")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &countSink{ids: map[string]int{}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, q, sink)
	}()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Completed == 12
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	require.Equal(t, int32(3), fetcher.peak.Load())
	require.Equal(t, 12, sink.len())
	for id, n := range sink.ids {
		require.Equal(t, 1, n, "job %s reported more than once", id)
	}
}

func TestRunReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	d, err := NewPool(2, newDeps(t, &gaugeFetcher{}), worker.Config{IdleInterval: time.Hour}, nil)
	require.NoError(t, err)
	q := memqueue.NewQueue("b")

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(context.Background(), q, nil)
	}()
	require.NoError(t, q.Close(context.Background()))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}
