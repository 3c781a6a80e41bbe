package transcript

import (
	"context"
	"fmt"
	"sort"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/types"
)

// SettingLastSession is the settings key holding the last selected session.
const SettingLastSession = "session.last_id"

// SelectSession discards buffered updates, resets the transcript and loads
// the session's history. Events that arrive during the load are merged on
// top of it. An empty id clears the selection.
func (e *Engine) SelectSession(ctx context.Context, id types.SessionID) error {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.stopTimerLocked()
	e.buffer.reset()
	e.resetLocked()
	e.selected = id
	e.loading = id != ""
	e.publishLocked()
	e.mu.Unlock()

	if id == "" {
		return nil
	}
	e.logger.Info("loading session", "session", id)
	e.persistSelection(id)

	history, err := e.api.ListMessages(ctx, id)

	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		// A newer selection took over; its load owns the transcript.
		return nil
	}
	e.loading = false
	held := e.held
	e.held = nil
	if err != nil {
		e.lastError = err.Error()
		e.publishLocked()
		return fmt.Errorf("load session %s: %w", id, err)
	}

	clear(e.shells)
	e.messages = make([]types.Message, 0, len(history))
	for _, m := range history {
		m.Parts = append([]types.Part(nil), m.Parts...)
		e.messages = append(e.messages, m)
	}
	sort.SliceStable(e.messages, func(i, j int) bool {
		return e.messages[i].Info.Time.Created < e.messages[j].Info.Time.Created
	})
	for _, ev := range held {
		e.applyLocked(ev, true)
	}
	e.logger.Debug("session loaded", "session", id, "messages", len(e.messages), "merged", len(held))
	e.publishLocked()
	return nil
}

// Selected returns the selected session id.
func (e *Engine) Selected() types.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Sessions returns the known sessions, most recently updated first.
func (e *Engine) Sessions() []types.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Session(nil), e.sessions...)
}

// RefreshSessions reloads the session list from the backend.
func (e *Engine) RefreshSessions(ctx context.Context) ([]types.Session, error) {
	list, err := e.api.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh sessions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = append(e.sessions[:0], list...)
	sortSessions(e.sessions)
	e.publishLocked()
	return append([]types.Session(nil), e.sessions...), nil
}

// CreateSession creates a session and selects it.
func (e *Engine) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	s, err := e.api.CreateSession(ctx, agentapi.CreateSessionRequest{Title: title})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.upsertSessionLocked(*s)
	e.mu.Unlock()

	if err := e.SelectSession(ctx, s.ID); err != nil {
		return s, err
	}
	return s, nil
}

// DeleteSession deletes a session; deleting the selected one clears the
// selection.
func (e *Engine) DeleteSession(ctx context.Context, id types.SessionID) error {
	if err := e.api.DeleteSession(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeSessionLocked(id)
	if e.selected == id {
		e.clearSelectionLocked()
	}
	e.publishLocked()
	return nil
}

// RenameSession changes a session's title.
func (e *Engine) RenameSession(ctx context.Context, id types.SessionID, title string) (*types.Session, error) {
	s, err := e.api.UpdateSession(ctx, id, title)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsertSessionLocked(*s)
	e.publishLocked()
	return s, nil
}

func (e *Engine) persistSelection(id types.SessionID) {
	if e.opts.Settings == nil {
		return
	}
	if err := e.opts.Settings.Set(SettingLastSession, string(id)); err != nil {
		e.logger.Warn("failed to persist selected session", "session", id, "error", err)
	}
}

func (e *Engine) upsertSessionLocked(s types.Session) {
	for i := range e.sessions {
		if e.sessions[i].ID == s.ID {
			e.sessions[i] = s
			sortSessions(e.sessions)
			return
		}
	}
	e.sessions = append(e.sessions, s)
	sortSessions(e.sessions)
}

func (e *Engine) removeSessionLocked(id types.SessionID) {
	for i := range e.sessions {
		if e.sessions[i].ID == id {
			e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)
			return
		}
	}
}

func (e *Engine) clearSelectionLocked() {
	e.epoch++
	e.stopTimerLocked()
	e.buffer.reset()
	e.resetLocked()
	e.selected = ""
}

func (e *Engine) resetLocked() {
	e.messages = nil
	clear(e.shells)
	e.generating = false
	e.lastError = ""
	e.turn = nil
	e.loading = false
	e.held = nil
}

func sortSessions(s []types.Session) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Time.Updated > s[j].Time.Updated
	})
}
