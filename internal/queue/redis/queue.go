// Package redis implements a durable job queue on Redis lists and sets.
//
// Keys for a batch live under "<prefix>:<batchID>":
//
//	:waiting    list of job IDs (LPUSH on enqueue, RPOP side is oldest)
//	:active     list of leased job IDs
//	:completed  set of job IDs
//	:failed     set of job IDs
//	:jobs       set of every job ID in the batch
//	:job:<id>   hash with url, status, attempts, last_error, enqueued_at
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/id/uuid"
)

// DefaultPrefix matches the queue name used by earlier deployments.
const DefaultPrefix = "scrape-queue"

const (
	fieldURL        = "url"
	fieldStatus     = "status"
	fieldAttempts   = "attempts"
	fieldLastError  = "last_error"
	fieldEnqueuedAt = "enqueued_at"
	fieldFinishedAt = "finished_at"

	ackRetries = 3
)

// leaseScript moves the oldest waiting ID to the active list and marks its
// hash active in one step. KEYS: waiting, active. ARGV: job key prefix,
// active status. Returns {id, HGETALL} or nil when nothing is waiting.
var leaseScript = goredis.NewScript(`
local id = redis.call('LMOVE', KEYS[1], KEYS[2], 'RIGHT', 'LEFT')
if not id then
  return false
end
local jobKey = ARGV[1] .. id
redis.call('HSET', jobKey, 'status', ARGV[2])
return {id, redis.call('HGETALL', jobKey)}
`)

// Config controls key naming and retention.
type Config struct {
	Prefix string
	// Retention is applied as a TTL to every batch key on Close. Zero deletes them.
	Retention time.Duration
}

// Queue is a single batch's view onto Redis.
type Queue struct {
	client  goredis.UniversalClient
	batchID string
	base    string
	cfg     Config
	idGen   crawler.IDGenerator
	now     func() time.Time

	// mu orders Enqueue and Lease against Close so no write lands after
	// the batch keys have been expired.
	mu     sync.RWMutex
	closed bool
}

// NewQueue wraps client for batchID. The client is owned by the caller.
func NewQueue(client goredis.UniversalClient, batchID string, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if batchID == "" {
		return nil, errors.New("batch id is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Queue{
		client:  client,
		batchID: batchID,
		base:    cfg.Prefix + ":" + batchID,
		cfg:     cfg,
		idGen:   uuid.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *Queue) key(suffix string) string { return q.base + ":" + suffix }

func (q *Queue) jobKey(id string) string { return q.base + ":job:" + id }

// Enqueue writes the job hash and pushes its ID in one transaction.
func (q *Queue) Enqueue(ctx context.Context, url string) (crawler.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.Job{}, crawler.ErrQueueClosed
	}
	id, err := q.idGen.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	job := crawler.Job{
		ID:         id,
		BatchID:    q.batchID,
		URL:        url,
		Status:     crawler.JobStatusWaiting,
		EnqueuedAt: q.now(),
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			fieldURL, url,
			fieldStatus, string(crawler.JobStatusWaiting),
			fieldAttempts, 0,
			fieldLastError, "",
			fieldEnqueuedAt, job.EnqueuedAt.Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, q.key("jobs"), id)
		pipe.LPush(ctx, q.key("waiting"), id)
		return nil
	})
	if err != nil {
		return crawler.Job{}, crawler.Unavailable("queue enqueue", err)
	}
	return job, nil
}

// Lease atomically moves the oldest waiting ID onto the active list and
// marks it active.
func (q *Queue) Lease(ctx context.Context) (crawler.Job, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.Job{}, false, crawler.ErrQueueClosed
	}
	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("active")},
		q.base+":job:", string(crawler.JobStatusActive),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		return crawler.Job{}, false, crawler.Unavailable("queue lease", err)
	}
	id, fields, err := leaseReply(res)
	if err != nil {
		return crawler.Job{}, false, fmt.Errorf("queue lease: %w", err)
	}
	job, err := q.decode(id, fields)
	if err != nil {
		return crawler.Job{}, false, fmt.Errorf("queue lease: %w", err)
	}
	return job, true, nil
}

func leaseReply(res []any) (string, map[string]string, error) {
	if len(res) != 2 {
		return "", nil, fmt.Errorf("unexpected lease reply of %d elements", len(res))
	}
	id, ok := res[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected lease id %T", res[0])
	}
	flat, ok := res[1].([]any)
	if !ok || len(flat)%2 != 0 {
		return "", nil, fmt.Errorf("unexpected lease fields %T", res[1])
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return id, fields, nil
}

// Ack moves an active job to its terminal set. The job hash is watched so a
// concurrent ack of the same ID loses the race and reports ErrAlreadyAcked.
func (q *Queue) Ack(ctx context.Context, job crawler.Job, outcome crawler.Outcome) error {
	jobKey := q.jobKey(job.ID)
	target := q.key("completed")
	if outcome != crawler.OutcomeSuccess {
		target = q.key("failed")
	}
	txf := func(tx *goredis.Tx) error {
		current, err := tx.HMGet(ctx, jobKey, fieldStatus, fieldAttempts).Result()
		if err != nil {
			return err
		}
		status, _ := current[0].(string)
		switch crawler.JobStatus(status) {
		case "":
			return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrJobNotFound)
		case crawler.JobStatusActive:
		case crawler.JobStatusWaiting:
			return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrNotLeased)
		default:
			return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrAlreadyAcked)
		}
		stored, _ := current[1].(string)
		prev, _ := strconv.Atoi(stored)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LRem(ctx, q.key("active"), 1, job.ID)
			pipe.SAdd(ctx, target, job.ID)
			pipe.HSet(ctx, jobKey,
				fieldStatus, string(outcome.Status()),
				fieldAttempts, max(prev, job.Attempts),
				fieldLastError, job.LastError,
				fieldFinishedAt, q.now().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}
	var err error
	for range ackRetries {
		err = q.client.Watch(ctx, txf, jobKey)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, crawler.ErrJobNotFound),
		errors.Is(err, crawler.ErrNotLeased),
		errors.Is(err, crawler.ErrAlreadyAcked):
		return err
	default:
		return crawler.Unavailable("queue ack", err)
	}
}

// Stats reads all four counters inside MULTI so the snapshot is consistent.
func (q *Queue) Stats(ctx context.Context) (crawler.QueueStats, error) {
	var waiting, active, completed, failed *goredis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key("waiting"))
		active = pipe.LLen(ctx, q.key("active"))
		completed = pipe.SCard(ctx, q.key("completed"))
		failed = pipe.SCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return crawler.QueueStats{}, crawler.Unavailable("queue stats", err)
	}
	return crawler.QueueStats{
		Waiting:   int(waiting.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

// Job reads a job hash back.
func (q *Queue) Job(ctx context.Context, id string) (crawler.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return crawler.Job{}, crawler.Unavailable("queue job", err)
	}
	if len(fields) == 0 {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	return q.decode(id, fields)
}

// Close stops Enqueue and Lease and expires (or deletes) the batch keys.
// The client stays open. Later calls are no-ops.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	ids, err := q.client.SMembers(ctx, q.key("jobs")).Result()
	if err != nil {
		return crawler.Unavailable("queue close", err)
	}
	keys := []string{q.key("waiting"), q.key("active"), q.key("completed"), q.key("failed"), q.key("jobs")}
	for _, id := range ids {
		keys = append(keys, q.jobKey(id))
	}
	_, err = q.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		if q.cfg.Retention <= 0 {
			pipe.Del(ctx, keys...)
			return nil
		}
		for _, k := range keys {
			pipe.Expire(ctx, k, q.cfg.Retention)
		}
		return nil
	})
	if err != nil {
		return crawler.Unavailable("queue close", err)
	}
	return nil
}

func (q *Queue) decode(id string, fields map[string]string) (crawler.Job, error) {
	attempts, err := strconv.Atoi(fields[fieldAttempts])
	if err != nil {
		return crawler.Job{}, fmt.Errorf("decode job %s attempts: %w", id, err)
	}
	enqueuedAt, err := time.Parse(time.RFC3339Nano, fields[fieldEnqueuedAt])
	if err != nil {
		return crawler.Job{}, fmt.Errorf("decode job %s enqueued_at: %w", id, err)
	}
	return crawler.Job{
		ID:         id,
		BatchID:    q.batchID,
		URL:        fields[fieldURL],
		Attempts:   attempts,
		Status:     crawler.JobStatus(fields[fieldStatus]),
		LastError:  fields[fieldLastError],
		EnqueuedAt: enqueuedAt,
	}, nil
}

// Factory opens batch-scoped queues over a shared client.
type Factory struct {
	client goredis.UniversalClient
	cfg    Config
}

// NewFactory returns a Factory for client.
func NewFactory(client goredis.UniversalClient, cfg Config) *Factory {
	return &Factory{client: client, cfg: cfg}
}

// NewQueue implements crawler.QueueFactory. It pings Redis first so an
// unreachable server fails the batch before any work is enqueued.
func (f *Factory) NewQueue(ctx context.Context, batchID string) (crawler.Queue, error) {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return nil, crawler.Unavailable("queue open", err)
	}
	return NewQueue(f.client, batchID, f.cfg)
}
