package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/queue/queuetest"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestQueueContract(t *testing.T) {
	t.Parallel()

	queuetest.Run(t, func(*testing.T) crawler.Queue {
		return NewQueue("batch-1")
	})
}

func TestQueueOptionsAndJobLookup(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue("batch-7", WithIDGenerator(&seqIDs{}), WithClock(fixedClock{t: at}))
	job, err := q.Enqueue(context.Background(), "https://shop.test/dp/1")
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, "batch-7", job.BatchID)
	require.Equal(t, at, job.EnqueuedAt)

	leased, ok, err := q.Lease(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	leased.Attempts = 2
	leased.LastError = "timeout"
	require.NoError(t, q.Ack(context.Background(), leased, crawler.OutcomeFailure))

	stored, ok := q.Job("job-1")
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusFailed, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Equal(t, "timeout", stored.LastError)

	_, ok = q.Job("job-404")
	require.False(t, ok)
}

func TestQueueAttemptsNeverDecrease(t *testing.T) {
	t.Parallel()

	q := NewQueue("batch")
	_, err := q.Enqueue(context.Background(), "u1")
	require.NoError(t, err)
	job, _, err := q.Lease(context.Background())
	require.NoError(t, err)

	q.mu.Lock()
	q.jobs[job.ID].Attempts = 3
	q.mu.Unlock()

	job.Attempts = 1
	require.NoError(t, q.Ack(context.Background(), job, crawler.OutcomeSuccess))
	stored, _ := q.Job(job.ID)
	require.Equal(t, 3, stored.Attempts)
}

func TestQueueWatchFiresOnChange(t *testing.T) {
	t.Parallel()

	q := NewQueue("batch")
	ch := q.Watch()
	select {
	case <-ch:
		t.Fatal("watch fired before any change")
	default:
	}

	_, err := q.Enqueue(context.Background(), "u1")
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire after enqueue")
	}

	select {
	case <-q.Watch():
		t.Fatal("fresh watch channel already closed")
	default:
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue("batch")
	_, err := q.Enqueue(context.Background(), "u1")
	require.NoError(t, err)
	job, ok, err := q.Lease(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	_, err = q.Enqueue(context.Background(), "u2")
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	_, _, err = q.Lease(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)

	// In-flight work can still be acknowledged after close.
	require.NoError(t, q.Ack(context.Background(), job, crawler.OutcomeSuccess))
}

func TestQueueCanceledContext(t *testing.T) {
	t.Parallel()

	q := NewQueue("batch")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Enqueue(ctx, "u1")
	require.ErrorIs(t, err, context.Canceled)
	require.EqualError(t, err, "enqueue canceled: context canceled")

	_, _, err = q.Lease(ctx)
	require.EqualError(t, err, "lease canceled: context canceled")
}

func TestFactoryIsolatesBatches(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	a, err := f.NewQueue(context.Background(), "a")
	require.NoError(t, err)
	b, err := f.NewQueue(context.Background(), "b")
	require.NoError(t, err)

	_, err = a.Enqueue(context.Background(), "u1")
	require.NoError(t, err)
	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{}, stats)
}
