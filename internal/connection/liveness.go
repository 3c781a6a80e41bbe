package connection

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// startLiveness schedules the periodic health re-check for connection gen.
// It returns nil when the check is disabled. Called with m.mu held.
func (m *Manager) startLiveness(gen uint64) *cron.Cron {
	if m.opts.LivenessInterval <= 0 {
		return nil
	}
	logger := cronLogger{logger: m.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(m.opts.LivenessInterval), cron.FuncJob(func() {
		m.checkLiveness(gen)
	}))
	c.Start()
	return c
}

// checkLiveness probes the backend once. A failed probe while still
// connected moves to Error and stops the stream; it does not retry.
func (m *Manager) checkLiveness(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ProbeTimeout)
	_, err := client.Health(ctx)
	cancel()
	if err == nil {
		m.logger.Debug("liveness ok")
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	consumer := m.teardownLocked()
	m.setStateLocked(State{Phase: PhaseError, Message: err.Error()})
	m.mu.Unlock()

	m.logger.Warn("liveness check failed", "error", err)
	if consumer != nil {
		consumer.Close()
	}
}
