package activity

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Event.
type Kind string

// Supported event kinds.
const (
	KindBatchStart Kind = "batch_start"
	KindBatchDone  Kind = "batch_done"
	KindDiscovery  Kind = "discovery"
	KindEnqueue    Kind = "enqueue"
	KindAttempt    Kind = "attempt"
	KindRetry      Kind = "retry"
	KindChallenge  Kind = "challenge"
	KindJobDone    Kind = "job_done"
	KindJobFailed  Kind = "job_failed"
	KindPersist    Kind = "persist"
)

var knownKinds = map[Kind]struct{}{
	KindBatchStart: {}, KindBatchDone: {}, KindDiscovery: {}, KindEnqueue: {}, KindAttempt: {},
	KindRetry: {}, KindChallenge: {}, KindJobDone: {}, KindJobFailed: {}, KindPersist: {},
}

// Event is one line of scrape activity.
type Event struct {
	TS      time.Time
	Kind    Kind
	BatchID string
	JobID   string
	URL     string
	Attempt int
	Message string
}

// Validate rejects events that sinks cannot render.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := knownKinds[e.Kind]; !ok {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// String renders "<RFC3339 millis> - <message>".
func (e Event) String() string {
	return e.TS.UTC().Format("2006-01-02T15:04:05.000Z07:00") + " - " + e.Message
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
