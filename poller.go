package carbonrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkbrsn/taskman"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// ErrPollerClosed is returned when starting a Poller after Close.
var ErrPollerClosed = errors.New("poller closed")

// Poller flushes every metric of a Source to a Forwarder on a fixed interval.
//
// Start and Stop are serialized with each other and with any in-flight flush. Stop eagerly
// reopens the Forwarder's connection so a later Start begins with a fresh stream.
type Poller struct {
	lifecycleMu sync.Mutex // Serializes Start, Stop and Close
	mu          sync.Mutex // Guards the fields below and is held for the duration of a flush

	fwd         *Forwarder
	src         Source
	taskManager *taskman.TaskManager
	logger      zerolog.Logger

	jobID    string
	interval time.Duration
	running  bool
	closed   bool
}

// NewPoller returns a stopped Poller flushing src through fwd.
func NewPoller(fwd *Forwarder, src Source) *Poller {
	return &Poller{
		fwd:         fwd,
		src:         src,
		taskManager: taskman.New(),
		logger:      fwd.logger,
	}
}

// Start schedules a flush every interval. Starting a running Poller does nothing.
func (p *Poller) Start(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPollerClosed
	}
	if p.running {
		return nil
	}

	id := xid.New().String()
	job := taskman.Job{
		ID:       id,
		Cadence:  interval,
		NextExec: time.Now().Add(interval),
		Tasks:    []taskman.Task{&flushTask{poller: p, jobID: id}},
	}
	if err := p.taskManager.ScheduleJob(job); err != nil {
		return fmt.Errorf("failed to schedule flush job: %w", err)
	}

	p.jobID = id
	p.interval = interval
	p.running = true
	p.logger.Info().Dur("interval", interval).Str("job_id", id).Msg("Started metric poller")
	return nil
}

// Stop cancels the scheduled flushes, waiting for an in-flight flush to finish, and reopens the
// Forwarder's connection. Stopping a stopped Poller does nothing.
func (p *Poller) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	p.stop(true)
}

// Close stops the Poller and releases its scheduler. A closed Poller cannot be restarted.
func (p *Poller) Close() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.stop(false)

	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	if !alreadyClosed {
		p.taskManager.Stop()
	}
}

// Running reports whether flushes are scheduled.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// stop must be called with lifecycleMu held.
func (p *Poller) stop(reconnect bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	id := p.jobID
	p.running = false
	p.jobID = ""
	p.mu.Unlock()

	if err := p.taskManager.RemoveJob(id); err != nil {
		p.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to remove flush job")
	}
	p.logger.Info().Str("job_id", id).Msg("Stopped metric poller")

	if reconnect {
		p.fwd.Reconnect(context.Background())
	}
}

// flush forwards a snapshot of the source, unless jobID is no longer the active job.
func (p *Poller) flush(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.jobID != jobID {
		return
	}

	batch := p.src.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	start := time.Now()
	p.fwd.ForwardBatch(ctx, batch)
	p.logger.Trace().Int("metrics", len(batch)).Dur("took", time.Since(start)).Msg("Flushed metrics")
}

// flushTask is the taskman.Task run on every poll interval.
type flushTask struct {
	poller *Poller
	jobID  string
}

// Execute flushes the poller's source. Failures are absorbed by the Forwarder.
func (t *flushTask) Execute() error {
	t.poller.flush(t.jobID)
	return nil
}
