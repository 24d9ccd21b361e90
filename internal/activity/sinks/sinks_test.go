package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/product-scraper/internal/activity"
)

func sampleBatch() []activity.Event {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return []activity.Event{
		{TS: ts, Kind: activity.KindEnqueue, JobID: "j1", URL: "u1", Message: "Added u1 to queue"},
		{TS: ts.Add(time.Second), Kind: activity.KindChallenge, JobID: "j1", URL: "u1", Attempt: 1, Message: "CAPTCHA detected for u1"},
	}
}

func TestRedisSinkPushesAndTrims(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink, err := NewRedisSink(client, "", 3)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Consume(ctx, sampleBatch()))
	require.NoError(t, sink.Consume(ctx, sampleBatch()))
	require.NoError(t, sink.Consume(ctx, nil))
	require.NoError(t, sink.Close(ctx))

	lines, err := srv.List(DefaultRedisList)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, "2024-01-02T03:04:06.000Z - CAPTCHA detected for u1", lines[0])
	require.Equal(t, "2024-01-02T03:04:05.000Z - Added u1 to queue", lines[1])
}

func TestRedisSinkErrors(t *testing.T) {
	t.Parallel()

	_, err := NewRedisSink(nil, "x", 0)
	require.Error(t, err)

	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	sink, err := NewRedisSink(client, "logs", 0)
	require.NoError(t, err)
	srv.Close()
	require.Error(t, sink.Consume(context.Background(), sampleBatch()))
}

func TestMetricsSinkCountsByKind(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()[:1]))

	require.InDelta(t, 2, testutil.ToFloat64(sink.events.WithLabelValues("enqueue")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(sink.events.WithLabelValues("challenge")), 0)

	again, err := NewMetricsSink(reg)
	require.NoError(t, err)
	require.Same(t, sink.events, again.events)
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "Added u1 to queue", entries[0].Message)
	require.Equal(t, "challenge", entries[1].ContextMap()["kind"])
	require.Equal(t, int64(1), entries[1].ContextMap()["attempt"])
}
