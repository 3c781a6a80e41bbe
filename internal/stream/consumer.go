// Package stream keeps a long-lived server-push event channel open,
// watching its liveness and re-opening it with backoff when it breaks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/agentlink/internal/events"
)

// Phase is the consumer's position in its state machine:
// Idle → Starting → Active ⇄ (Broken → Scheduled → Starting), terminal GaveUp.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseActive    Phase = "active"
	PhaseBroken    Phase = "broken"
	PhaseScheduled Phase = "scheduled"
	PhaseGaveUp    Phase = "gave_up"
)

// ErrGaveUp is reported once the reconnect budget is spent.
var ErrGaveUp = errors.New("event stream gave up reconnecting")

// Health is a snapshot of the stream's liveness.
type Health struct {
	Active            bool          `json:"active"`
	Phase             Phase         `json:"phase"`
	LastHeartbeatAt   time.Time     `json:"lastHeartbeatAt,omitzero"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	LastError         string        `json:"lastError,omitempty"`
	NextRetryIn       time.Duration `json:"nextRetryIn,omitempty"`
}

// Err returns ErrGaveUp when reconnection needs manual intervention.
func (h Health) Err() error {
	if h.Phase == PhaseGaveUp {
		return ErrGaveUp
	}
	return nil
}

// Source opens the push channel. The reader must stop when ctx is cancelled.
type Source interface {
	SubscribeEvents(ctx context.Context) (events.Reader, error)
}

type Options struct {
	Retry            *RetryPolicy
	HeartbeatTimeout time.Duration
	WatchdogInterval time.Duration

	// Publish receives every non-heartbeat frame in arrival order.
	Publish func(events.GlobalEvent)
	// ShouldReconnect gates scheduled attempts; nil always allows.
	ShouldReconnect func() bool
	// OnHealth observes health changes. It must not block.
	OnHealth func(Health)

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultOptions returns a 45s heartbeat timeout checked every 10s with the
// default retry policy.
func DefaultOptions() Options {
	return Options{
		Retry:            DefaultRetryPolicy(),
		HeartbeatTimeout: 45 * time.Second,
		WatchdogInterval: 10 * time.Second,
	}
}

// Consumer owns one logical event subscription against a Source.
type Consumer struct {
	source Source
	opts   Options
	logger *slog.Logger

	health   Health
	gen      uint64
	closed   bool
	cancel   context.CancelFunc
	timer    *time.Timer
	inflight int
	idle     *sync.Cond
	mu       sync.Mutex
}

// New creates an idle Consumer. Zero-valued options fall back to defaults.
func New(source Source, opts Options) *Consumer {
	def := DefaultOptions()
	if opts.Retry == nil {
		opts.Retry = def.Retry
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = def.WatchdogInterval
	}
	if opts.Publish == nil {
		opts.Publish = func(events.GlobalEvent) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		source: source,
		opts:   opts,
		logger: logger.With("component", "stream"),
		health: Health{Phase: PhaseIdle},
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Health returns the current health snapshot.
func (c *Consumer) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Start opens the stream unless it is already open or opening. It returns
// once the open attempt resolves; frames are consumed in the background.
// An open failure is handled like a mid-stream break.
func (c *Consumer) Start() {
	c.mu.Lock()
	if c.closed || c.health.Phase == PhaseActive || c.health.Phase == PhaseStarting {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	ctx, gen := c.beginLocked()
	h := c.health
	c.mu.Unlock()

	c.emit(h)
	c.open(ctx, gen)
}

// Stop cancels the in-flight read and any scheduled reconnect, then waits
// until the underlying connection has been released. Idempotent.
func (c *Consumer) Stop() {
	c.mu.Lock()
	changed := c.health.Phase != PhaseIdle
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopTimerLocked()
	c.health = Health{Phase: PhaseIdle, LastError: c.health.LastError}
	for c.inflight > 0 {
		c.idle.Wait()
	}
	h := c.health
	c.mu.Unlock()

	if changed {
		c.logger.Debug("event stream stopped")
		c.emit(h)
	}
}

// Close stops the consumer permanently; later Starts are ignored.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Stop()
}

// ReconnectNow drops the current stream, resets the attempt counter and
// opens a fresh one. It is the way out of PhaseGaveUp.
func (c *Consumer) ReconnectNow() {
	c.logger.Info("manual event stream reconnect")
	c.Stop()
	c.Start()
}

// beginLocked starts a new connection generation. Caller must hold c.mu.
func (c *Consumer) beginLocked() (context.Context, uint64) {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.inflight++
	c.health.Phase = PhaseStarting
	c.health.NextRetryIn = 0
	return ctx, c.gen
}

func (c *Consumer) release() {
	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Consumer) open(ctx context.Context, gen uint64) {
	reader, err := c.source.SubscribeEvents(ctx)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if reader != nil {
			reader.Close()
		}
		c.release()
		return
	}
	if err != nil {
		c.logger.Warn("open event stream failed", "error", err, "attempt", c.health.ReconnectAttempts)
		c.breakLocked(fmt.Sprintf("open event stream: %v", err))
		h := c.health
		c.mu.Unlock()
		c.release()
		c.emit(h)
		return
	}
	c.health.Active = true
	c.health.Phase = PhaseActive
	c.health.ReconnectAttempts = 0
	c.health.LastHeartbeatAt = c.opts.Now()
	c.health.LastError = ""
	h := c.health
	c.mu.Unlock()

	c.logger.Info("event stream open")
	c.emit(h)
	go c.watchdog(ctx, gen)
	go c.read(ctx, gen, reader)
}

func (c *Consumer) read(ctx context.Context, gen uint64, r events.Reader) {
	defer c.release()
	defer r.Close()

	for r.Next() {
		ev := r.Current()

		c.mu.Lock()
		if gen != c.gen || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.health.LastHeartbeatAt = c.opts.Now()
		if events.IsHeartbeat(ev.Payload) {
			c.mu.Unlock()
			c.logger.Debug("heartbeat")
			continue
		}
		c.opts.Publish(ev)
		c.mu.Unlock()
	}

	if ctx.Err() != nil {
		return
	}
	reason := "event stream closed"
	if err := r.Err(); err != nil {
		reason = err.Error()
	}

	c.mu.Lock()
	if gen != c.gen || c.health.Phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("event stream broken", "error", reason)
	c.breakLocked(reason)
	h := c.health
	c.mu.Unlock()
	c.emit(h)
}

func (c *Consumer) watchdog(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if gen != c.gen || c.health.Phase != PhaseActive {
			c.mu.Unlock()
			return
		}
		silent := c.opts.Now().Sub(c.health.LastHeartbeatAt)
		if silent <= c.opts.HeartbeatTimeout {
			c.mu.Unlock()
			continue
		}
		c.logger.Warn("event stream heartbeat timeout", "silent_for", silent)
		c.breakLocked("heartbeat timeout")
		h := c.health
		c.mu.Unlock()
		c.emit(h)
		return
	}
}

// breakLocked tears down the current connection and either schedules the
// next attempt or gives up. Caller must hold c.mu.
func (c *Consumer) breakLocked(reason string) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.health.Active = false
	c.health.Phase = PhaseBroken
	c.health.LastError = reason

	if c.opts.Retry.Exhausted(c.health.ReconnectAttempts) {
		c.health.Phase = PhaseGaveUp
		c.health.NextRetryIn = 0
		c.logger.Error("event stream gave up", "attempts", c.health.ReconnectAttempts, "last_error", reason)
		return
	}

	c.health.ReconnectAttempts++
	delay := c.opts.Retry.NextDelay(c.health.ReconnectAttempts)
	c.health.Phase = PhaseScheduled
	c.health.NextRetryIn = delay
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.fire(gen) })
	c.logger.Info("event stream reconnect scheduled", "attempt", c.health.ReconnectAttempts, "delay", delay)
}

func (c *Consumer) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.health.Phase != PhaseScheduled {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	allowed := c.opts.ShouldReconnect == nil || c.opts.ShouldReconnect()

	c.mu.Lock()
	if gen != c.gen || c.closed || c.health.Phase != PhaseScheduled {
		c.mu.Unlock()
		return
	}
	if !allowed {
		c.logger.Info("skipping scheduled reconnect, connection no longer active")
		c.health.Phase = PhaseIdle
		c.health.NextRetryIn = 0
		c.health.ReconnectAttempts = 0
		h := c.health
		c.mu.Unlock()
		c.emit(h)
		return
	}
	ctx, next := c.beginLocked()
	h := c.health
	c.mu.Unlock()

	c.emit(h)
	c.open(ctx, next)
}

func (c *Consumer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Consumer) emit(h Health) {
	if c.opts.OnHealth != nil {
		c.opts.OnHealth(h)
	}
}
