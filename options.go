package carbonrelay

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger used for connection lifecycle and failure messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetricsSink registers an observer for writes and connection events.
func WithMetricsSink(sink MetricsSink) Option {
	return func(f *Forwarder) {
		if sink != nil {
			f.metricsSink = sink
		}
	}
}

// WithClock overrides the clock used for the wire timestamp of each line.
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) {
		if now != nil {
			f.now = now
		}
	}
}
