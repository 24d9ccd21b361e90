package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/queue/memory"
)

// pollOnly hides the memory queue's Watch method to force the polling path.
type pollOnly struct {
	crawler.Queue
}

type failingStats struct {
	crawler.Queue
	err error
}

func (f failingStats) Stats(context.Context) (crawler.QueueStats, error) {
	return crawler.QueueStats{}, f.err
}

func TestAwaitDrainEmptyQueueReturnsImmediately(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue("batch")
	stats, err := AwaitDrain(context.Background(), q, time.Hour)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{}, stats)
}

func TestAwaitDrainWaitsForActiveJobs(t *testing.T) {
	t.Parallel()

	for name, wrap := range map[string]func(*memory.Queue) crawler.Queue{
		"watch":   func(q *memory.Queue) crawler.Queue { return q },
		"polling": func(q *memory.Queue) crawler.Queue { return pollOnly{Queue: q} },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			mem := memory.NewQueue("batch")
			q := wrap(mem)
			ctx := context.Background()
			_, err := q.Enqueue(ctx, "u1")
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, "u2")
			require.NoError(t, err)

			type result struct {
				stats crawler.QueueStats
				err   error
			}
			done := make(chan result, 1)
			go func() {
				stats, err := AwaitDrain(ctx, q, 10*time.Millisecond)
				done <- result{stats: stats, err: err}
			}()

			first, ok, err := q.Lease(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, q.Ack(ctx, first, crawler.OutcomeSuccess))

			second, ok, err := q.Lease(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			select {
			case <-done:
				t.Fatal("drain resolved while a job was active")
			case <-time.After(50 * time.Millisecond):
			}

			require.NoError(t, q.Ack(ctx, second, crawler.OutcomeFailure))
			select {
			case res := <-done:
				require.NoError(t, res.err)
				require.True(t, res.stats.Drained())
				require.Equal(t, crawler.QueueStats{Completed: 1, Failed: 1}, res.stats)
			case <-time.After(time.Second):
				t.Fatal("drain did not resolve")
			}
		})
	}
}

func TestAwaitDrainContextCanceled(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue("batch")
	_, err := q.Enqueue(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	stats, err := AwaitDrain(ctx, q, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, stats.Waiting)
}

func TestAwaitDrainPropagatesStatsError(t *testing.T) {
	t.Parallel()

	boom := crawler.Unavailable("queue stats", errors.New("connection reset"))
	_, err := AwaitDrain(context.Background(), failingStats{Queue: memory.NewQueue("b"), err: boom}, 0)
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
}
