package sinks

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/product-scraper/internal/activity"
)

// DefaultRedisList is the list operators tail for live scrape logs.
const DefaultRedisList = "scraper:logs"

// RedisSink LPUSHes rendered events onto a capped Redis list.
type RedisSink struct {
	client goredis.UniversalClient
	list   string
	maxLen int64
}

// NewRedisSink builds a sink. maxLen <= 0 leaves the list untrimmed.
func NewRedisSink(client goredis.UniversalClient, list string, maxLen int64) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if list == "" {
		list = DefaultRedisList
	}
	return &RedisSink{client: client, list: list, maxLen: maxLen}, nil
}

// Consume pushes the batch in one pipeline, newest at the head.
func (s *RedisSink) Consume(ctx context.Context, batch []activity.Event) error {
	if len(batch) == 0 {
		return nil
	}
	lines := make([]any, 0, len(batch))
	for _, evt := range batch {
		lines = append(lines, evt.String())
	}
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, s.list, lines...)
		if s.maxLen > 0 {
			pipe.LTrim(ctx, s.list, 0, s.maxLen-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push activity to %s: %w", s.list, err)
	}
	return nil
}

// Close is a no-op; the client is shared with the queue.
func (s *RedisSink) Close(context.Context) error {
	return nil
}
