package carbonrelay

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// DefaultQueueSize is the queue capacity used when NewQueuedForwarder is given a non-positive
// size.
const DefaultQueueSize = 1024

// QueuedForwarder decouples metric producers from collector latency. Producers enqueue without
// blocking and a single writer goroutine drains the queue into a Forwarder. When the queue is
// full the observation is dropped and counted.
type QueuedForwarder struct {
	fwd     *Forwarder
	queue   chan Observation
	dropped atomic.Int64

	mu      sync.RWMutex // Guards started, closed and sends on queue
	started bool
	closed  bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewQueuedForwarder wraps fwd with a bounded queue of the given size.
func NewQueuedForwarder(fwd *Forwarder, size int) *QueuedForwarder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &QueuedForwarder{
		fwd:   fwd,
		queue: make(chan Observation, size),
	}
}

// Start launches the writer goroutine. It stops when ctx is cancelled or Close is called.
func (q *QueuedForwarder) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	q.group.Go(func() error {
		q.run(ctx)
		return nil
	})
}

// Forward enqueues obs and reports whether it was accepted. It never blocks.
func (q *QueuedForwarder) Forward(obs Observation) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.queue <- obs:
		return true
	default:
		q.dropped.Inc()
		return false
	}
}

// Dropped returns the number of observations rejected because the queue was full.
func (q *QueuedForwarder) Dropped() int64 {
	return q.dropped.Load()
}

// Len returns the number of queued observations.
func (q *QueuedForwarder) Len() int {
	return len(q.queue)
}

// Close stops accepting observations, lets the writer drain what is queued, and waits for it
// to exit. The wrapped Forwarder is left open.
func (q *QueuedForwarder) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	group, cancel := q.group, q.cancel
	q.mu.Unlock()

	if group == nil {
		return nil
	}
	err := group.Wait()
	cancel()
	return err
}

// run forwards queued observations until the queue is closed and empty, or ctx is done.
func (q *QueuedForwarder) run(ctx context.Context) {
	for {
		select {
		case obs, ok := <-q.queue:
			if !ok {
				return
			}
			q.fwd.Forward(ctx, obs)
		case <-ctx.Done():
			return
		}
	}
}
