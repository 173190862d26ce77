// Package carbonrelay forwards metric observations to a Graphite/Carbon collector using the
// plaintext line protocol over TCP.
//
// Delivery is best-effort: a failed connect or write is logged, the observation is dropped and
// the connection is re-established lazily on the next call. No error ever reaches the caller
// that produced the metric, and no call blocks longer than the configured connect and write
// timeouts.
package carbonrelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection state of a Forwarder.
type State int32

const (
	// StateDisabled ignores every call. Reached from a disabled config or Shutdown.
	StateDisabled State = iota
	// StateUninitialized is enabled without a live connection; the next forward connects.
	StateUninitialized
	// StateConnected is enabled with a live connection.
	StateConnected
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Forwarder relays observations to one collector over a single TCP connection. All methods are
// safe for concurrent use; operations touching the connection are serialized.
type Forwarder struct {
	mu sync.Mutex

	cfg     Config
	filter  *NameFilter
	dialer  *sinkDialer
	enabled bool
	conn    *sinkConn
	lineBuf []byte

	// Set by options
	logger          zerolog.Logger
	metricsSink     MetricsSink
	now             func() time.Time
	dnsPolicy       DNSPolicy
	dnsDecisionHook DNSDecisionCallback

	stats counters
}

// New creates a Forwarder for cfg. It does not connect; call Init for an eager connect.
// Configuration errors wrap ErrInvalidConfig.
func New(cfg Config, opts ...Option) (*Forwarder, error) {
	if cfg.ExcludePattern == "" {
		cfg.ExcludePattern = DefaultExcludePattern
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filter, err := NewNameFilter(cfg.ExcludePattern)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	f := &Forwarder{
		cfg:         cfg,
		filter:      filter,
		enabled:     cfg.Enabled,
		logger:      log.Logger,
		metricsSink: nopMetricsSink{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.dnsPolicy.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	f.logger = f.logger.With().Str("collector", cfg.Addr()).Logger()
	dns := newDNSPolicyManager(f.dnsPolicy, f.dnsDecisionHook)
	f.dialer = newSinkDialer(cfg, dns, f.logger)

	return f, nil
}

// Config returns the configuration the Forwarder was created with, defaults applied.
func (f *Forwarder) Config() Config {
	return f.cfg
}

// Init connects eagerly when forwarding is enabled. A failed connect is logged and leaves the
// Forwarder Uninitialized, so the next Forward retries.
func (f *Forwarder) Init(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		f.logger.Info().Msg("Metric forwarding disabled")
		return
	}
	if f.conn != nil {
		return
	}
	if err := f.connectLocked(ctx); err != nil {
		f.logger.Error().Err(err).Msg("Unable to create initial connection to collector, will retry on next metric")
	}
}

// Forward writes one observation to the collector. It is a no-op when the Forwarder is disabled
// or the name is excluded. Failures are logged and the observation is dropped.
func (f *Forwarder) Forward(ctx context.Context, obs Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardLocked(ctx, obs, true)
}

// ForwardBatch writes a set of observations under one lock acquisition. At most one connect is
// attempted for the whole batch; once the connection is lost, the rest of the batch is dropped.
func (f *Forwarder) ForwardBatch(ctx context.Context, batch []Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()

	mayDial := true
	for i, obs := range batch {
		if err := ctx.Err(); err != nil {
			f.stats.dropped.Add(int64(len(batch) - i))
			f.logger.Warn().Err(err).Int("remaining", len(batch)-i).Msg("Batch cancelled, dropping metrics")
			return
		}
		if f.forwardLocked(ctx, obs, mayDial) {
			mayDial = false
		}
	}
}

// Reconnect replaces any existing connection with a freshly opened one. Failures are logged.
func (f *Forwarder) Reconnect(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return
	}
	f.dropConnLocked(EventDisconnected, nil)
	if err := f.connectLocked(ctx); err != nil {
		f.logger.Error().Err(err).Msg("Unable to reconnect to collector")
	}
}

// Shutdown closes the connection and disables the Forwarder permanently. Later calls to any
// forwarding method are no-ops. Safe to call more than once.
func (f *Forwarder) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled && f.conn == nil {
		return
	}
	f.dropConnLocked(EventShutdown, nil)
	f.enabled = false
	f.logger.Info().Msg("Metric forwarder shut down")
}

// State returns the current connection state.
func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case !f.enabled:
		return StateDisabled
	case f.conn == nil:
		return StateUninitialized
	default:
		return StateConnected
	}
}

// Stats returns a snapshot of the Forwarder's counters.
func (f *Forwarder) Stats() Stats {
	return f.stats.snapshot()
}

// forwardLocked handles one observation and reports whether a connect was attempted.
// The caller must hold f.mu.
func (f *Forwarder) forwardLocked(ctx context.Context, obs Observation, mayDial bool) (dialed bool) {
	if !f.enabled {
		return false
	}

	excluded, err := f.filter.Match(obs.Name)
	if err != nil {
		f.logger.Warn().Err(err).Str("metric", obs.Name).Msg("Exclude pattern evaluation failed, forwarding metric")
	}
	if excluded {
		f.stats.excluded.Inc()
		return false
	}
	if !finite(obs.Value) {
		f.stats.dropped.Inc()
		f.logger.Debug().
			Err(ErrNonFiniteValue).
			Str("metric", obs.Name).
			Float64("value", obs.Value).
			Msg("Dropping metric")
		return false
	}

	if f.conn == nil {
		if !mayDial {
			f.stats.dropped.Inc()
			return false
		}
		dialed = true
		if err := f.connectLocked(ctx); err != nil {
			f.stats.dropped.Inc()
			f.logger.Error().Err(err).Str("metric", obs.Name).Msg("Unable to connect to collector, dropping metric")
			return dialed
		}
	}

	f.lineBuf = AppendLine(f.lineBuf[:0], f.cfg.Prefix, obs.Group, obs.Name, obs.Value, f.now().Unix())
	conn := f.conn
	start := time.Now()
	err = conn.writeLine(f.lineBuf)
	f.metricsSink.ObserveWrite(WriteMetrics{
		ConnID:   conn.id.String(),
		Metric:   obs.Name,
		Bytes:    len(f.lineBuf),
		Duration: time.Since(start),
		Err:      err,
	})
	f.dialer.dns.observeResult(err)

	if err != nil {
		f.stats.writeFailures.Inc()
		f.stats.dropped.Inc()
		f.logger.Error().
			Err(err).
			Str("conn_id", conn.id.String()).
			Str("metric", obs.Name).
			Msg("Failed to send metric to collector")
		f.dropConnLocked(EventWriteFailed, err)
		return dialed
	}

	f.stats.forwarded.Inc()
	return dialed
}

// connectLocked opens a new connection. The caller must hold f.mu and f.conn must be nil.
func (f *Forwarder) connectLocked(ctx context.Context) error {
	conn, err := f.dialer.open(ctx)
	if err != nil {
		f.stats.connectFailures.Inc()
		f.dialer.dns.observeResult(err)
		f.metricsSink.ObserveEvent(EventConnectFailed, map[string]any{"err": err.Error()})
		return err
	}

	f.conn = conn
	f.stats.connects.Inc()
	f.metricsSink.ObserveEvent(EventConnected, map[string]any{
		"conn_id": conn.id.String(),
		"addr":    conn.addr,
		"resolve": conn.times.Resolve,
		"dial":    conn.times.Dial,
	})
	f.logger.Info().
		Str("conn_id", conn.id.String()).
		Str("addr", conn.addr).
		Dur("dial", conn.times.Dial).
		Msg("Connected to collector")
	return nil
}

// dropConnLocked closes and forgets the current connection, if any. The caller must hold f.mu.
func (f *Forwarder) dropConnLocked(event string, cause error) {
	if f.conn == nil {
		return
	}
	conn := f.conn
	f.conn = nil
	conn.close()

	fields := map[string]any{"conn_id": conn.id.String()}
	if cause != nil {
		fields["err"] = cause.Error()
	}
	f.metricsSink.ObserveEvent(event, fields)
	f.logger.Debug().Str("conn_id", conn.id.String()).Str("event", event).Msg("Collector connection closed")
}
