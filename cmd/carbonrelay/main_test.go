package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jkbrsn/carbonrelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenCollector accepts plaintext connections and sends every received line on the returned
// channel.
func listenCollector(t *testing.T) (int, chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	lines := make(chan string, 1024)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, lines
}

func nextLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("collector received no line")
		return ""
	}
}

func TestRunStdinMode(t *testing.T) {
	t.Chdir(t.TempDir())
	port, lines := listenCollector(t)

	stdin := strings.NewReader(strings.Join([]string{
		`{"group":"producer","name":"record-send-rate","value":12.5}`,
		`{"group":"producer","name":"internal-buffer","value":1}`,
		`{"group":"consumer","name":"lag","value":3}`,
	}, "\n"))
	var stderr bytes.Buffer

	err := run(context.Background(), []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--prefix", "relay",
		"--exclude-regex", "internal-.*",
		"--log-level", "debug",
	}, stdin, &stderr)
	require.NoError(t, err)

	first := strings.Fields(nextLine(t, lines))
	require.Len(t, first, 3)
	assert.Equal(t, "relay.producer.record-send-rate", first[0])
	assert.Equal(t, "12.500000", first[1])

	second := strings.Fields(nextLine(t, lines))
	assert.Equal(t, "relay.consumer.lag", second[0])

	assert.Contains(t, stderr.String(), "Metric relay stopped")
}

func TestRunRuntimeMode(t *testing.T) {
	t.Chdir(t.TempDir())
	port, lines := listenCollector(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{
			"--mode", "runtime",
			"--host", "127.0.0.1",
			"--port", strconv.Itoa(port),
			"--interval", "50ms",
			"--log-level", "error",
		}, strings.NewReader(""), &bytes.Buffer{})
	}()

	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for !seen["kafka.runtime.goroutines"] || !seen["kafka.memory.heap-alloc-bytes"] {
		select {
		case line := <-lines:
			seen[strings.Fields(line)[0]] = true
		case <-deadline:
			t.Fatalf("runtime metrics not received, got %v", seen)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunHelpAndErrors(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--help"}, nil, &stderr))
	assert.Contains(t, stderr.String(), "--ws-listen")

	assert.Error(t, run(context.Background(), []string{"--no-such-flag"}, nil, &bytes.Buffer{}))
	assert.Error(t, run(context.Background(), []string{"extra"}, nil, &bytes.Buffer{}))

	t.Chdir(t.TempDir())
	assert.Error(t, run(context.Background(), []string{"--log-level", "loud"}, nil, &bytes.Buffer{}))
	assert.ErrorIs(t,
		run(context.Background(), []string{"--port", "0"}, strings.NewReader(""), &bytes.Buffer{}),
		carbonrelay.ErrInvalidConfig)
}

func TestSampleRuntime(t *testing.T) {
	registry := carbonrelay.NewRegistry()
	sampleRuntime(registry)

	byName := map[string]float64{}
	for _, obs := range registry.Snapshot() {
		byName[obs.Group+"."+obs.Name] = obs.Value
	}
	assert.Positive(t, byName["memory.heap-alloc-bytes"])
	assert.Positive(t, byName["runtime.goroutines"])
	assert.Contains(t, byName, "gc.num-gc")
}
