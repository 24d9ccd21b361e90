package crawler

import (
	"context"
	"time"
)

// Queue is a FIFO of URL jobs with exclusive leases and per-state counters.
type Queue interface {
	// Enqueue appends a waiting job for url and returns immediately.
	Enqueue(ctx context.Context, url string) (Job, error)
	// Lease moves the oldest waiting job to active. ok is false when nothing is waiting.
	Lease(ctx context.Context) (job Job, ok bool, err error)
	// Ack moves an active job to completed or failed. A second ack returns ErrAlreadyAcked.
	Ack(ctx context.Context, job Job, outcome Outcome) error
	// Stats returns a consistent snapshot of job counts.
	Stats(ctx context.Context) (QueueStats, error)
	Close(ctx context.Context) error
}

// Watcher is implemented by queues that can signal state changes.
// The returned channel is closed on the next enqueue, lease, ack, or close.
type Watcher interface {
	Watch() <-chan struct{}
}

// QueueFactory opens an isolated queue for one batch.
type QueueFactory interface {
	NewQueue(ctx context.Context, batchID string) (Queue, error)
}

// Fetcher retrieves a product page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Discoverer finds candidate product URLs for a search term.
type Discoverer interface {
	Discover(ctx context.Context, searchTerm string) ([]string, error)
}

// ChallengeDetector recognizes anti-bot interstitials.
type ChallengeDetector interface {
	IsChallenge(page Page) bool
}

// Extractor turns a fetched page into a Product.
type Extractor interface {
	Extract(page Page) (Product, error)
}

// ProductStore persists extracted products.
type ProductStore interface {
	Exists(ctx context.Context, url string) (bool, error)
	Save(ctx context.Context, product Product) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes product events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Policy gates outbound fetches, e.g. per-domain rate limits.
type Policy interface {
	Wait(ctx context.Context, url string) error
}

// ResultSink receives the outcome of every acknowledged job.
type ResultSink interface {
	Record(report JobReport)
}

// FaultSink is implemented by sinks that want queue failures a worker hits
// outside any job, such as a lease against an unreachable backend.
type FaultSink interface {
	RecordFault(err error)
}

// Hasher computes digests for snapshot naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
