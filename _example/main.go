package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jkbrsn/carbonrelay"
)

func main() {
	// Push: a Reporter forwards every metric change as it happens
	reporter := carbonrelay.NewReporter()
	err := reporter.Configure(map[string]any{
		carbonrelay.ConfigKeyEnabled:      true,
		carbonrelay.ConfigKeyHost:         "localhost",
		carbonrelay.ConfigKeyPort:         2003,
		carbonrelay.ConfigKeyGroup:        "example",
		carbonrelay.ConfigKeyExcludeRegex: "debug-.*",
	})
	if err != nil {
		fmt.Printf("Error configuring reporter: %v\n", err)
		return
	}
	reporter.Init(nil)
	defer reporter.Close()

	for i := 0; i < 5; i++ {
		reporter.MetricChange(carbonrelay.Observation{
			Group: "requests",
			Name:  "latency-ms",
			Value: 10 + rand.Float64()*5,
		})
		// Excluded by the pattern above, never sent
		reporter.MetricChange(carbonrelay.Observation{Group: "requests", Name: "debug-counter", Value: float64(i)})
	}

	// Poll: a Poller flushes every value held in a Registry on a fixed interval
	cfg := carbonrelay.DefaultConfig()
	cfg.Enabled = true
	cfg.Prefix = "example"
	forwarder, err := carbonrelay.New(cfg)
	if err != nil {
		fmt.Printf("Error creating forwarder: %v\n", err)
		return
	}
	defer forwarder.Shutdown()
	forwarder.Init(context.Background())

	registry := carbonrelay.NewRegistry()
	poller := carbonrelay.NewPoller(forwarder, registry)
	defer poller.Close()

	if err := poller.Start(time.Second); err != nil {
		fmt.Printf("Error starting poller: %v\n", err)
		return
	}

	for i := 0; i < 5; i++ {
		registry.Set("queue", "depth", float64(rand.IntN(100)))
		registry.Set("queue", "consumers", 3)
		time.Sleep(time.Second)
	}
	poller.Stop()

	stats := forwarder.Stats()
	fmt.Printf("Forwarded: %d\n", stats.Forwarded)
	fmt.Printf("Dropped:   %d\n", stats.Dropped)
	fmt.Printf("State:     %v\n", forwarder.State())
}
