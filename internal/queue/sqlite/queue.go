// Package sqlite implements a durable job queue on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/id/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    batch_id    TEXT NOT NULL,
    url         TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'waiting',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT '',
    enqueued_at INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_batch_status ON scrape_jobs(batch_id, status, seq);
`

type jobRow struct {
	ID         string `db:"id"`
	BatchID    string `db:"batch_id"`
	URL        string `db:"url"`
	Status     string `db:"status"`
	Attempts   int    `db:"attempts"`
	LastError  string `db:"last_error"`
	EnqueuedAt int64  `db:"enqueued_at"`
}

func (r jobRow) job() crawler.Job {
	return crawler.Job{
		ID:         r.ID,
		BatchID:    r.BatchID,
		URL:        r.URL,
		Attempts:   r.Attempts,
		Status:     crawler.JobStatus(r.Status),
		LastError:  r.LastError,
		EnqueuedAt: time.Unix(0, r.EnqueuedAt).UTC(),
	}
}

// Store owns the database handle shared by every batch queue.
type Store struct {
	db    *sqlx.DB
	idGen crawler.IDGenerator
	now   func() time.Time
}

// Open creates (or reuses) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one at a time anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{
		db:    db,
		idGen: uuid.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// NewQueue implements crawler.QueueFactory.
func (s *Store) NewQueue(ctx context.Context, batchID string) (crawler.Queue, error) {
	if batchID == "" {
		return nil, errors.New("batch id is required")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return nil, crawler.Unavailable("queue open", err)
	}
	return &Queue{store: s, batchID: batchID}, nil
}

// Queue is one batch's slice of the scrape_jobs table.
type Queue struct {
	store   *Store
	batchID string

	mu     sync.RWMutex
	closed bool
}

// Enqueue inserts a waiting row.
func (q *Queue) Enqueue(ctx context.Context, url string) (crawler.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.Job{}, crawler.ErrQueueClosed
	}
	id, err := q.store.idGen.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	now := q.store.now()
	_, err = q.store.db.ExecContext(ctx,
		`INSERT INTO scrape_jobs (id, batch_id, url, status, enqueued_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, q.batchID, url, string(crawler.JobStatusWaiting), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return crawler.Job{}, crawler.Unavailable("queue enqueue", err)
	}
	return crawler.Job{
		ID:         id,
		BatchID:    q.batchID,
		URL:        url,
		Status:     crawler.JobStatusWaiting,
		EnqueuedAt: time.Unix(0, now.UnixNano()).UTC(),
	}, nil
}

// Lease claims the lowest-seq waiting row in a single statement.
func (q *Queue) Lease(ctx context.Context) (crawler.Job, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return crawler.Job{}, false, crawler.ErrQueueClosed
	}
	var row jobRow
	err := q.store.db.GetContext(ctx, &row, `
UPDATE scrape_jobs SET status = ?, updated_at = ?
WHERE seq = (
    SELECT seq FROM scrape_jobs WHERE batch_id = ? AND status = ? ORDER BY seq LIMIT 1
)
RETURNING id, batch_id, url, status, attempts, last_error, enqueued_at`,
		string(crawler.JobStatusActive), q.store.now().UnixNano(), q.batchID, string(crawler.JobStatusWaiting),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		return crawler.Job{}, false, crawler.Unavailable("queue lease", err)
	}
	return row.job(), true, nil
}

// Ack finalizes an active row. Zero affected rows means the job is missing or
// not active, which is resolved with a follow-up read.
func (q *Queue) Ack(ctx context.Context, job crawler.Job, outcome crawler.Outcome) error {
	res, err := q.store.db.ExecContext(ctx, `
UPDATE scrape_jobs SET status = ?, attempts = MAX(attempts, ?), last_error = ?, updated_at = ?
WHERE id = ? AND batch_id = ? AND status = ?`,
		string(outcome.Status()), job.Attempts, job.LastError, q.store.now().UnixNano(),
		job.ID, q.batchID, string(crawler.JobStatusActive),
	)
	if err != nil {
		return crawler.Unavailable("queue ack", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return crawler.Unavailable("queue ack", err)
	}
	if affected == 1 {
		return nil
	}
	var status string
	err = q.store.db.GetContext(ctx, &status,
		`SELECT status FROM scrape_jobs WHERE id = ? AND batch_id = ?`, job.ID, q.batchID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrJobNotFound)
	case err != nil:
		return crawler.Unavailable("queue ack", err)
	case crawler.JobStatus(status) == crawler.JobStatusWaiting:
		return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrNotLeased)
	default:
		return fmt.Errorf("ack %s: %w", job.ID, crawler.ErrAlreadyAcked)
	}
}

// Stats counts rows by status in one query.
func (q *Queue) Stats(ctx context.Context) (crawler.QueueStats, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := q.store.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM scrape_jobs WHERE batch_id = ? GROUP BY status`, q.batchID)
	if err != nil {
		return crawler.QueueStats{}, crawler.Unavailable("queue stats", err)
	}
	var stats crawler.QueueStats
	for _, r := range rows {
		switch crawler.JobStatus(r.Status) {
		case crawler.JobStatusWaiting:
			stats.Waiting = r.N
		case crawler.JobStatusActive:
			stats.Active = r.N
		case crawler.JobStatusCompleted:
			stats.Completed = r.N
		case crawler.JobStatusFailed:
			stats.Failed = r.N
		}
	}
	return stats, nil
}

// Job reads one row back.
func (q *Queue) Job(ctx context.Context, id string) (crawler.Job, error) {
	var row jobRow
	err := q.store.db.GetContext(ctx, &row,
		`SELECT id, batch_id, url, status, attempts, last_error, enqueued_at FROM scrape_jobs WHERE id = ? AND batch_id = ?`,
		id, q.batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, crawler.Unavailable("queue job", err)
	}
	return row.job(), nil
}

// Close stops Enqueue and Lease. Rows are kept as batch history and the
// Store owns the handle.
func (q *Queue) Close(context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
