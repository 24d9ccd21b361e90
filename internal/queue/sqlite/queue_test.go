package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/queue/queuetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestQueueContract(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	n := 0
	queuetest.Run(t, func(t *testing.T) crawler.Queue {
		n++
		q, err := store.NewQueue(context.Background(), fmt.Sprintf("batch-%d", n))
		require.NoError(t, err)
		return q
	})
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)

	store := openTestStore(t)
	_, err = store.NewQueue(context.Background(), "")
	require.Error(t, err)
	require.NoError(t, store.Ping(context.Background()))
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	require.NoError(t, err)
	q, err := store.NewQueue(ctx, "b1")
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, "https://shop.test/dp/1")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://shop.test/dp/2")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	q, err = reopened.NewQueue(ctx, "b1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Waiting: 2}, stats)

	job, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, job.ID)
	require.Equal(t, first.EnqueuedAt, job.EnqueuedAt)
}

func TestQueueRecordsAttemptsAndError(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	qi, err := store.NewQueue(ctx, "b2")
	require.NoError(t, err)
	q := qi.(*Queue)

	_, err = q.Enqueue(ctx, "u1")
	require.NoError(t, err)
	job, ok, err := q.Lease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	job.Attempts = 3
	job.LastError = "status 503"
	require.NoError(t, q.Ack(ctx, job, crawler.OutcomeFailure))

	stored, err := q.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, "status 503", stored.LastError)

	_, err = q.Job(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, q.Close(ctx))
}

func TestQueueUnavailableAfterStoreClose(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	q, err := store.NewQueue(context.Background(), "b3")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = q.Enqueue(context.Background(), "u1")
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	_, err = q.Stats(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	_, err = store.NewQueue(context.Background(), "b4")
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
}
