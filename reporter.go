package carbonrelay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Reporter adapts a Forwarder to a host that pushes metric changes as they happen. The host
// calls Configure, then Init, then MetricChange for every update, and Close on shutdown.
//
// Only Configure returns an error; every later failure is logged and absorbed.
type Reporter struct {
	mu sync.Mutex

	cfg        Config
	configured bool
	opts       []Option
	fwd        *Forwarder
	logger     zerolog.Logger
}

// NewReporter returns an unconfigured Reporter. The options are applied to the Forwarder
// created by Init.
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{
		cfg:  DefaultConfig(),
		opts: opts,
	}
	// Resolve the logger option once so the Reporter logs where the Forwarder does.
	probe := &Forwarder{logger: log.Logger}
	for _, opt := range opts {
		opt(probe)
	}
	r.logger = probe.logger
	return r
}

// Configure reads the option map supplied by the host. Absent keys keep their defaults.
// Errors wrap ErrInvalidConfig.
func (r *Reporter) Configure(options map[string]any) error {
	cfg, err := ConfigFromMap(options)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.configured = true
	return nil
}

// Init creates the Forwarder and connects eagerly when enabled. The initial metric set is only
// counted: values are forwarded as they change. Calling Init again re-initializes with the
// current configuration.
func (r *Reporter) Init(initial []Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.configured {
		r.logger.Warn().Msg("Reporter initialized without configuration, using defaults")
	}
	if r.fwd != nil {
		r.fwd.Shutdown()
		r.fwd = nil
	}

	fwd, err := New(r.cfg, r.opts...)
	if err != nil {
		r.logger.Error().Err(err).Msg("Unable to create metric forwarder, reporting disabled")
		return
	}
	r.logger.Debug().
		Str("collector", r.cfg.Addr()).
		Str("prefix", r.cfg.Prefix).
		Int("initial_metrics", len(initial)).
		Msg("Initializing metric reporter")
	fwd.Init(context.Background())
	r.fwd = fwd
}

// MetricChange forwards one updated metric. It never fails.
func (r *Reporter) MetricChange(obs Observation) {
	fwd := r.forwarder()
	if fwd == nil {
		return
	}
	fwd.Forward(context.Background(), obs)
}

// Close shuts the Forwarder down. Metric changes arriving afterwards are ignored.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fwd != nil {
		r.fwd.Shutdown()
	}
}

// Forwarder returns the Forwarder created by Init, or nil before Init.
func (r *Reporter) Forwarder() *Forwarder {
	return r.forwarder()
}

func (r *Reporter) forwarder() *Forwarder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fwd
}
