package carbonrelay

import "time"

// MetricsSink is a pluggable observer for collector writes and connection events.
// Implementations must be non-blocking or very fast; the Forwarder invokes the sink while
// holding its connection lock.
type MetricsSink interface {
	ObserveWrite(WriteMetrics)
	ObserveEvent(name string, fields map[string]any)
}

// Event names passed to MetricsSink.ObserveEvent.
const (
	EventConnected     = "connected"
	EventConnectFailed = "connect_failed"
	EventWriteFailed   = "write_failed"
	EventDisconnected  = "disconnected"
	EventShutdown      = "shutdown"
)

// WriteMetrics describes one attempt to write a line to the collector.
type WriteMetrics struct {
	ConnID   string
	Metric   string
	Bytes    int
	Duration time.Duration
	Err      error
}

// nopMetricsSink discards everything.
type nopMetricsSink struct{}

func (nopMetricsSink) ObserveWrite(WriteMetrics)           {}
func (nopMetricsSink) ObserveEvent(string, map[string]any) {}
