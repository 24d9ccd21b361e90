package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-scraper/internal/activity"
)

// MetricsSink counts events by kind.
type MetricsSink struct {
	events *prometheus.CounterVec
}

// NewMetricsSink registers its collector with reg (the default registerer when nil).
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_activity_events_total",
		Help: "Activity events emitted, partitioned by kind.",
	}, []string{"kind"})
	if err := reg.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register activity counter: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("register activity counter: %w", err)
		}
		events = existing
	}
	return &MetricsSink{events: events}, nil
}

// Consume increments the counter for every event.
func (s *MetricsSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
	}
	return nil
}

// Close is a no-op.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}
