// Command carbonrelay forwards metric observations to a Graphite/Carbon collector.
//
// In stdin mode it reads newline-delimited JSON observations and forwards each one as it
// arrives. In runtime mode it polls the relay's own Go runtime statistics on a fixed interval.
// Either mode can additionally accept observations over a WebSocket with --ws-listen.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkbrsn/carbonrelay"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) error {
	flagSet := newFlagSet()
	flagSet.SetOutput(stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(stderr, "Usage: carbonrelay [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := loadConfig(flagSet)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case modeRuntime:
		return runRuntime(ctx, cfg, logger)
	default:
		return runStdin(ctx, cfg, stdin, logger)
	}
}

func newLogger(out io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}

// runStdin forwards observations pushed on stdin, and over the WebSocket when configured,
// through a Reporter. Without a WebSocket listener it returns at EOF.
func runStdin(ctx context.Context, cfg appConfig, stdin io.Reader, logger zerolog.Logger) error {
	reporter := carbonrelay.NewReporter(carbonrelay.WithLogger(logger))
	if err := reporter.Configure(cfg.forwarderOptions()); err != nil {
		return err
	}
	reporter.Init(nil)
	defer func() {
		logStats(logger, reporter.Forwarder())
		reporter.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reads from stdin cannot be cancelled, so the reader is not waited for.
	go func() {
		if err := readObservations(stdin, reporter.MetricChange, logger); err != nil {
			logger.Error().Err(err).Msg("Failed to read observations from stdin")
		}
		logger.Debug().Msg("Reached end of stdin")
		if cfg.WSListen == "" {
			cancel()
		}
	}()

	if cfg.WSListen == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", cfg.WSListen)
	if err != nil {
		return fmt.Errorf("ws-listen: %w", err)
	}
	return serveIngest(ctx, ln, reporter.MetricChange, logger)
}

// runRuntime polls the relay's runtime statistics into a Registry flushed by a Poller. WebSocket
// observations, when enabled, are stored in the same Registry and flushed with it.
func runRuntime(ctx context.Context, cfg appConfig, logger zerolog.Logger) error {
	fwdCfg, err := carbonrelay.ConfigFromMap(cfg.forwarderOptions())
	if err != nil {
		return err
	}
	fwd, err := carbonrelay.New(fwdCfg, carbonrelay.WithLogger(logger))
	if err != nil {
		return err
	}
	fwd.Init(ctx)
	defer func() {
		logStats(logger, fwd)
		fwd.Shutdown()
	}()

	var ln net.Listener
	if cfg.WSListen != "" {
		if ln, err = net.Listen("tcp", cfg.WSListen); err != nil {
			return fmt.Errorf("ws-listen: %w", err)
		}
	}

	registry := carbonrelay.NewRegistry()
	sampleRuntime(registry)

	poller := carbonrelay.NewPoller(fwd, registry)
	defer poller.Close()
	if err := poller.Start(cfg.Interval); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sampleLoop(gctx, registry, cfg.Interval)
		return nil
	})
	if ln != nil {
		g.Go(func() error {
			return serveIngest(gctx, ln, func(obs carbonrelay.Observation) {
				registry.Set(obs.Group, obs.Name, obs.Value)
			}, logger)
		})
	}
	return g.Wait()
}

func logStats(logger zerolog.Logger, fwd *carbonrelay.Forwarder) {
	if fwd == nil {
		return
	}
	stats := fwd.Stats()
	logger.Info().
		Int64("forwarded", stats.Forwarded).
		Int64("excluded", stats.Excluded).
		Int64("dropped", stats.Dropped).
		Int64("connects", stats.Connects).
		Int64("connect_failures", stats.ConnectFailures).
		Int64("write_failures", stats.WriteFailures).
		Msg("Metric relay stopped")
}
