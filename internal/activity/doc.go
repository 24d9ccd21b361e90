// Package activity carries the human-readable scrape log: one Event per
// batch, enqueue, attempt, retry, challenge, and job outcome. Emitters never
// block; a Hub buffers events and flushes them in batches to sinks such as
// zap, a Redis list, or Prometheus counters. Sink failures are logged and
// dropped so the scrape pipeline is never affected by its own logging.
package activity
