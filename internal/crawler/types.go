package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values tracked by every queue backend.
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Outcome is the result a worker reports when acknowledging a leased job.
type Outcome int

// Supported acknowledgement outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Status maps the outcome to the terminal job status it produces.
func (o Outcome) Status() JobStatus {
	if o == OutcomeSuccess {
		return JobStatusCompleted
	}
	return JobStatusFailed
}

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Job is one unit of work: a single product URL to fetch.
type Job struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	URL        string    `json:"url"`
	Attempts   int       `json:"attempts"`
	Status     JobStatus `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueStats is a point-in-time snapshot of job counts by state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Drained reports whether nothing is waiting or in flight.
func (s QueueStats) Drained() bool {
	return s.Waiting == 0 && s.Active == 0
}

// Total returns the number of jobs the snapshot accounts for.
func (s QueueStats) Total() int {
	return s.Waiting + s.Active + s.Completed + s.Failed
}

// Page is the raw response captured by a Fetcher.
type Page struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers,omitempty"`
	Body       []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
	Headless   bool          `json:"headless"`
}

// Product holds the fields extracted from a product detail page.
type Product struct {
	ID          string    `json:"id,omitempty"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	Rating      string    `json:"rating"`
	Reviews     string    `json:"reviews"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Extraction pairs an extracted product with the page it came from.
type Extraction struct {
	Product Product
	Page    Page
}

// JobReport is delivered to a ResultSink once a job has been acknowledged.
type JobReport struct {
	Job        Job
	Product    *Product
	Challenged bool
	Err        error
	Warning    error
}

// ProductSaved is the event payload published after a product is persisted.
type ProductSaved struct {
	ProductID   string    `json:"product_id"`
	BatchID     string    `json:"batch_id"`
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	SnapshotURI string    `json:"snapshot_uri,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// EventType names the event for message attributes.
func (ProductSaved) EventType() string {
	return "product.saved"
}
