// Package queuetest holds the behavioral suite every crawler.Queue backend must pass.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

// NewQueueFunc returns an empty queue. Cleanup is the caller's responsibility (t.Cleanup).
type NewQueueFunc func(t *testing.T) crawler.Queue

// Run executes the suite against queues produced by newQueue.
func Run(t *testing.T, newQueue NewQueueFunc) {
	t.Helper()

	t.Run("LeaseEmpty", func(t *testing.T) { testLeaseEmpty(t, newQueue(t)) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newQueue(t)) })
	t.Run("AckTransitions", func(t *testing.T) { testAckTransitions(t, newQueue(t)) })
	t.Run("AckErrors", func(t *testing.T) { testAckErrors(t, newQueue(t)) })
	t.Run("ExclusiveLeases", func(t *testing.T) { testExclusiveLeases(t, newQueue(t)) })
	t.Run("Close", func(t *testing.T) { testClose(t, newQueue(t)) })
}

func testLeaseEmpty(t *testing.T, q crawler.Queue) {
	ctx := context.Background()
	_, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{}, stats)
}

func testFIFO(t *testing.T, q crawler.Queue) {
	ctx := context.Background()
	urls := []string{"https://shop.test/dp/1", "https://shop.test/dp/2", "https://shop.test/dp/3"}
	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		job, err := q.Enqueue(ctx, u)
		require.NoError(t, err)
		require.NotEmpty(t, job.ID)
		require.Equal(t, u, job.URL)
		require.Equal(t, crawler.JobStatusWaiting, job.Status)
		require.Zero(t, job.Attempts)
		require.False(t, job.EnqueuedAt.IsZero())
		ids = append(ids, job.ID)
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Waiting: 3}, stats)

	for i := range urls {
		job, ok, err := q.Lease(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ids[i], job.ID)
		require.Equal(t, urls[i], job.URL)
		require.Equal(t, crawler.JobStatusActive, job.Status)
	}

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Active: 3}, stats)
}

func testAckTransitions(t *testing.T, q crawler.Queue) {
	ctx := context.Background()
	for _, u := range []string{"https://shop.test/dp/a", "https://shop.test/dp/b"} {
		_, err := q.Enqueue(ctx, u)
		require.NoError(t, err)
	}

	first, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	first.Attempts = 1
	require.NoError(t, q.Ack(ctx, first, crawler.OutcomeSuccess))

	second, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	second.Attempts = 3
	second.LastError = "fetch failed"
	require.NoError(t, q.Ack(ctx, second, crawler.OutcomeFailure))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Completed: 1, Failed: 1}, stats)
	require.True(t, stats.Drained())
}

func testAckErrors(t *testing.T, q crawler.Queue) {
	ctx := context.Background()
	waiting, err := q.Enqueue(ctx, "https://shop.test/dp/waiting")
	require.NoError(t, err)
	require.ErrorIs(t, q.Ack(ctx, waiting, crawler.OutcomeSuccess), crawler.ErrNotLeased)

	leased, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Ack(ctx, leased, crawler.OutcomeSuccess))
	require.ErrorIs(t, q.Ack(ctx, leased, crawler.OutcomeSuccess), crawler.ErrAlreadyAcked)
	require.ErrorIs(t, q.Ack(ctx, leased, crawler.OutcomeFailure), crawler.ErrAlreadyAcked)

	require.ErrorIs(t, q.Ack(ctx, crawler.Job{ID: "missing"}, crawler.OutcomeFailure), crawler.ErrJobNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Completed: 1}, stats)
}

func testExclusiveLeases(t *testing.T, q crawler.Queue) {
	ctx := context.Background()
	const jobs = 40
	const consumers = 6
	for i := range jobs {
		_, err := q.Enqueue(ctx, fmt.Sprintf("https://shop.test/dp/%d", i))
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		seen   = make(map[string]int)
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := q.Lease(ctx)
				if err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				job.Attempts = 1
				if err := q.Ack(ctx, job, crawler.OutcomeSuccess); err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, seen, jobs)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s leased more than once", id)
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Completed: jobs}, stats)
}

func testClose(t *testing.T, q crawler.Queue) {
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "https://shop.test/dp/leased")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://shop.test/dp/waiting")
	require.NoError(t, err)
	_, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Close(ctx))
	require.NoError(t, q.Close(ctx))

	_, err = q.Enqueue(ctx, "https://shop.test/dp/late")
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	_, ok, err = q.Lease(ctx)
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.False(t, ok)
}
