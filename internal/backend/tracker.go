package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/agentlink/internal/bus"
)

// Change is emitted for every status notification.
type Change struct {
	Previous Status
	Current  Status
}

// Supervisor answers the one-time "current status" query made at startup.
type Supervisor interface {
	Status(ctx context.Context) (Status, error)
}

// StaticSupervisor reports a fixed status, for backends started outside
// this process.
type StaticSupervisor struct {
	Fixed Status
}

func (s StaticSupervisor) Status(context.Context) (Status, error) {
	return s.Fixed, nil
}

// Tracker is a passive relay of supervisor notifications. It never retries
// anything itself.
type Tracker struct {
	current Status
	changes *bus.Bus[Change]
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewTracker returns a tracker in the Uninitialized state.
func NewTracker() *Tracker {
	return &Tracker{
		current: Uninitialized(),
		changes: bus.New[Change]("backend"),
		logger:  slog.Default().With("component", "backend"),
	}
}

// Current returns the latest status.
func (t *Tracker) Current() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Subscribe registers fn for status changes, delivered asynchronously in order.
func (t *Tracker) Subscribe(fn func(Change)) (unsubscribe func()) {
	return t.changes.Subscribe(fn)
}

// Init performs the startup status read.
func (t *Tracker) Init(ctx context.Context, sup Supervisor) error {
	s, err := sup.Status(ctx)
	if err != nil {
		return fmt.Errorf("read initial backend status: %w", err)
	}
	t.Notify(s)
	return nil
}

// Notify records a supervisor notification. Invalid statuses are dropped.
func (t *Tracker) Notify(s Status) {
	if err := s.Validate(); err != nil {
		t.logger.Warn("ignoring invalid backend status", "error", err)
		return
	}

	t.mu.Lock()
	prev := t.current
	t.current = s
	t.mu.Unlock()

	if prev.Kind != s.Kind {
		t.logger.Info("backend status changed", "from", prev.String(), "to", s.String())
	} else {
		t.logger.Debug("backend status", "status", s.String())
	}
	t.changes.Publish(Change{Previous: prev, Current: s})
}

// Follow reads newline-delimited JSON statuses from r until EOF or ctx is
// done. Malformed lines are logged and skipped.
func (t *Tracker) Follow(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s, err := ParseStatus([]byte(line))
		if err != nil {
			t.logger.Warn("skipping malformed status line", "error", err)
			continue
		}
		t.Notify(s)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read status notifications: %w", err)
	}
	return nil
}

// Close stops change delivery.
func (t *Tracker) Close() {
	t.changes.Close()
}
