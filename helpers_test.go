package carbonrelay

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

//
// Fake collector
//

// fakeCollector is a plaintext TCP listener recording every line it receives.
type fakeCollector struct {
	ln    net.Listener
	lines chan string

	mu       sync.Mutex
	conns    []net.Conn
	accepted int
	closed   bool

	wg sync.WaitGroup
}

func newFakeCollector(t *testing.T) *fakeCollector {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &fakeCollector{
		ln:    ln,
		lines: make(chan string, 4096),
	}
	c.wg.Add(1)
	go c.acceptLoop()
	t.Cleanup(c.Close)
	return c
}

func (c *fakeCollector) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conns = append(c.conns, conn)
		c.accepted++
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readLoop(conn)
	}
}

func (c *fakeCollector) readLoop(conn net.Conn) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
}

// host and port of the listener.
func (c *fakeCollector) hostPort() (string, int) {
	addr := c.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Accepted returns the number of connections accepted so far.
func (c *fakeCollector) Accepted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted
}

// DropConnections closes every accepted connection, keeping the listener open.
func (c *fakeCollector) DropConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = nil
}

// Close stops the listener and closes all connections.
func (c *fakeCollector) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.ln.Close()
	c.DropConnections()
	c.wg.Wait()
}

// waitLines blocks until n lines have been received or the timeout expires.
func (c *fakeCollector) waitLines(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	got := make([]string, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case line := <-c.lines:
			got = append(got, line)
		case <-deadline:
			t.Fatalf("expected %d lines, received %d: %v", n, len(got), got)
		}
	}
	return got
}

// assertNoLines fails if any line arrives within the wait.
func (c *fakeCollector) assertNoLines(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case line := <-c.lines:
		t.Fatalf("expected no lines, received %q", line)
	case <-time.After(wait):
	}
}

// stalledCollector accepts connections and never reads from them.
type stalledCollector struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
}

func newStalledCollector(t *testing.T) *stalledCollector {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &stalledCollector{ln: ln, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.mu.Lock()
			c.conns = append(c.conns, conn)
			c.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-c.done
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, conn := range c.conns {
			_ = conn.Close()
		}
	})
	return c
}

func (c *stalledCollector) hostPort() (string, int) {
	addr := c.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

//
// Helper functions
//

// closedPort returns a localhost port with no listener.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// testConfig returns an enabled config pointing at host:port.
func testConfig(host string, port int) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Host = host
	cfg.Port = port
	cfg.Prefix = "test"
	cfg.Timeouts = Timeouts{Connect: 500 * time.Millisecond, Write: 500 * time.Millisecond}
	return cfg
}

// fixedClock returns a clock frozen at the given Unix second.
func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

// newTestForwarder creates a Forwarder with a silent logger and a fixed clock.
func newTestForwarder(t *testing.T, cfg Config, opts ...Option) *Forwarder {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithClock(fixedClock(1700000000))}, opts...)
	f, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(f.Shutdown)
	return f
}

func obs(group, name string, value float64) Observation {
	return Observation{Group: group, Name: name, Value: value, Timestamp: time.Now()}
}

func expectedLine(prefix, group, name string, value float64) string {
	return prefix + "." + group + "." + name + " " + strconv.FormatFloat(value, 'f', 6, 64) + " 1700000000"
}
