package carbonrelay

import "go.uber.org/atomic"

// Stats is a point-in-time copy of a Forwarder's counters.
type Stats struct {
	// Forwarded counts lines fully written to the collector.
	Forwarded int64
	// Excluded counts observations matching the exclude pattern.
	Excluded int64
	// Dropped counts observations lost to connect or write failures, or non-finite values.
	Dropped int64
	// Connects counts successful connection establishments.
	Connects int64
	// ConnectFailures counts failed connection attempts.
	ConnectFailures int64
	// WriteFailures counts failed writes, each of which tears the connection down.
	WriteFailures int64
}

type counters struct {
	forwarded       atomic.Int64
	excluded        atomic.Int64
	dropped         atomic.Int64
	connects        atomic.Int64
	connectFailures atomic.Int64
	writeFailures   atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Forwarded:       c.forwarded.Load(),
		Excluded:        c.excluded.Load(),
		Dropped:         c.dropped.Load(),
		Connects:        c.connects.Load(),
		ConnectFailures: c.connectFailures.Load(),
		WriteFailures:   c.writeFailures.Load(),
	}
}
