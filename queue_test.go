package carbonrelay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// verifyNoLeaks checks for leaked goroutines once every other cleanup of t has run. The
// regexp2 match-timeout clock winds down on its own shortly after the last match.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	opts := []goleak.Option{
		goleak.IgnoreCurrent(),
		goleak.IgnoreAnyFunction("github.com/dlclark/regexp2.runClock"),
	}
	t.Cleanup(func() { goleak.VerifyNone(t, opts...) })
}

func TestQueuedForwarderDeliversInOrder(t *testing.T) {
	verifyNoLeaks(t)

	collector := newFakeCollector(t)
	f := newTestForwarder(t, testConfig(collector.hostPort()))

	q := NewQueuedForwarder(f, 16)
	q.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.True(t, q.Forward(obs("g", fmt.Sprintf("m%d", i), float64(i))))
	}
	require.NoError(t, q.Close())

	lines := collector.waitLines(t, 10, time.Second)
	for i, line := range lines {
		assert.Equal(t, expectedLine("test", "g", fmt.Sprintf("m%d", i), float64(i)), line)
	}
	assert.Zero(t, q.Dropped())
}

func TestQueuedForwarderDropsWhenFull(t *testing.T) {
	f := newTestForwarder(t, testConfig("127.0.0.1", closedPort(t)))

	// Not started, so nothing drains the queue.
	q := NewQueuedForwarder(f, 2)
	assert.True(t, q.Forward(obs("g", "a", 1)))
	assert.True(t, q.Forward(obs("g", "b", 2)))
	assert.False(t, q.Forward(obs("g", "c", 3)))
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	require.NoError(t, q.Close())
}

func TestQueuedForwarderForwardNeverBlocks(t *testing.T) {
	verifyNoLeaks(t)

	collector := newFakeCollector(t)
	f := newTestForwarder(t, testConfig(collector.hostPort()))

	q := NewQueuedForwarder(f, 4)
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Close() })

	// Holding the forwarder lock stalls the writer, so producers must overflow rather than block.
	f.mu.Lock()
	var wg sync.WaitGroup
	start := time.Now()
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Forward(obs("g", "n", float64(i)))
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	f.mu.Unlock()

	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, q.Dropped(), int64(400-5))
}

func TestQueuedForwarderClose(t *testing.T) {
	verifyNoLeaks(t)

	f := newTestForwarder(t, testConfig("127.0.0.1", closedPort(t)))
	q := NewQueuedForwarder(f, 0)
	assert.Equal(t, DefaultQueueSize, cap(q.queue))

	q.Start(context.Background())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.False(t, q.Forward(obs("g", "n", 1)))
	assert.Zero(t, q.Dropped(), "rejected after close is not a queue overflow")
}

func TestQueuedForwarderContextCancel(t *testing.T) {
	verifyNoLeaks(t)

	f := newTestForwarder(t, testConfig("127.0.0.1", closedPort(t)))
	q := NewQueuedForwarder(f, 8)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	require.NoError(t, q.Close())
}
