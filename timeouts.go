package carbonrelay

import (
	"errors"
	"time"
)

const (
	// DefaultConnectTimeout bounds how long a single connect attempt may block a caller.
	DefaultConnectTimeout = 1000 * time.Millisecond
	// DefaultWriteTimeout bounds how long a single line write may block a caller.
	DefaultWriteTimeout = 1000 * time.Millisecond
)

// Timeouts configures the blocking bounds of the collector connection.
type Timeouts struct {
	// Connect is the maximum duration of one connect attempt, including any DNS lookup done by
	// the configured DNS policy. Applied as a context deadline around the dial.
	// Zero uses DefaultConnectTimeout. Negative values are invalid.
	Connect time.Duration

	// Write is the deadline for writing one line to the collector.
	// Applied before each write via SetWriteDeadline.
	// Zero uses DefaultWriteTimeout. Negative values disable the deadline, so a stalled
	// collector can block the writer until the kernel gives up on the socket.
	Write time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: DefaultConnectTimeout,
		Write:   DefaultWriteTimeout,
	}
}

// Validate checks that the Timeouts configuration is valid.
func (t Timeouts) Validate() error {
	if t.Connect < 0 {
		return errors.New("Timeouts.Connect cannot be negative")
	}
	return nil
}

// withDefaults fills zero values with the package defaults.
func (t Timeouts) withDefaults() Timeouts {
	if t.Connect == 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Write == 0 {
		t.Write = DefaultWriteTimeout
	}
	return t
}
