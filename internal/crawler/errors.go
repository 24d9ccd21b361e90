package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrChallengeDetected marks a page that is an anti-bot interstitial. It is never retried.
	ErrChallengeDetected = errors.New("challenge detected")
	// ErrQueueUnavailable wraps infrastructure failures of a durable queue backend.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrJobNotFound is returned when acknowledging a job the queue does not know.
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyAcked is returned when a job receives a second terminal ack.
	ErrAlreadyAcked = errors.New("job already acknowledged")
	// ErrNotLeased is returned when acknowledging a job that is still waiting.
	ErrNotLeased = errors.New("job not leased")
	// ErrPolicyDenied marks a URL a fetch policy refuses outright. It is never retried.
	ErrPolicyDenied = errors.New("fetch denied by policy")
)

// FetchError is a transient fetch failure (network, timeout, bad status). It is retryable.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed dedup check, save, snapshot, or publish.
// The job that produced it still counts as completed.
type PersistenceError struct {
	URL string
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (%s): %v", e.URL, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DiscoveryError reports a transport-level failure while collecting search links.
type DiscoveryError struct {
	Term string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %q: %v", e.Term, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err so that errors.Is(err, ErrQueueUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrQueueUnavailable, err)
}
