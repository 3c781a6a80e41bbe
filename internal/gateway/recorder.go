package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/types"
)

var errRecorderStopped = errors.New("recorder stopped")

// Appender is the journal write surface.
type Appender interface {
	Append(ctx context.Context, ev events.GlobalEvent) (int64, error)
}

// Recorder journals stream events. Each session gets its own FIFO lane so
// records keep stream order, while the semaphore limits how many sessions
// are written concurrently.
type Recorder struct {
	journal   Appender
	lanes     map[types.SessionID]chan events.GlobalEvent
	semaphore *semaphore.Weighted
	pending   atomic.Int64
	stopped   bool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecorder creates a Recorder that allows up to maxConcurrent sessions
// to be written simultaneously.
func NewRecorder(j Appender, maxConcurrent int64, logger *slog.Logger) *Recorder {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		journal:   j,
		lanes:     make(map[types.SessionID]chan events.GlobalEvent),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger.With("component", "recorder"),
	}
}

// Start initialises the recorder's context. Must be called before Record.
func (r *Recorder) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Stop closes all lanes, waits for queued events to be written and then
// cancels the context.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, lane := range r.lanes {
		close(lane)
	}
	r.mu.Unlock()
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

// Record queues a session-scoped event. Unscoped events are ignored. It
// never blocks; a full lane drops the event with an error.
func (r *Recorder) Record(ev events.GlobalEvent) error {
	sid := events.SessionOf(ev.Payload)
	if sid == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.ctx == nil {
		return errRecorderStopped
	}

	lane, exists := r.lanes[sid]
	if !exists {
		lane = make(chan events.GlobalEvent, 256)
		r.lanes[sid] = lane
		r.wg.Add(1)
		go r.processLane(sid, lane)
	}

	select {
	case lane <- ev:
		r.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("journal lane full for session %s", sid)
	}
}

func (r *Recorder) processLane(sid types.SessionID, lane chan events.GlobalEvent) {
	defer r.wg.Done()
	for ev := range lane {
		if err := r.semaphore.Acquire(r.ctx, 1); err != nil {
			r.pending.Add(-1)
			continue
		}
		if _, err := r.journal.Append(r.ctx, ev); err != nil {
			r.logger.Error("journal append failed", "session", sid, "type", ev.Payload.Type(), "error", err)
		}
		r.semaphore.Release(1)
		r.pending.Add(-1)
	}
}

// WaitIdle blocks until every queued event is written, or the timeout
// expires. Returns true if idle, false if timed out.
func (r *Recorder) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if r.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
