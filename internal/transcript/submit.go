package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/types"
)

// ErrLoading is returned when submitting while history is being loaded.
var ErrLoading = errors.New("session history is still loading")

// Submit shows the prompt immediately as a user placeholder followed by an
// assistant placeholder, then sends it. If the backend rejects it the
// placeholders are removed and the error is recorded and returned.
func (e *Engine) Submit(ctx context.Context, text string, model *types.ModelRef) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}

	e.mu.Lock()
	if e.selected == "" {
		e.mu.Unlock()
		return nil, ErrNoSession
	}
	if e.loading {
		e.mu.Unlock()
		return nil, ErrLoading
	}
	e.flushLocked()

	sid := e.selected
	created := e.opts.Now().UnixMilli()
	user := types.Message{
		Info: types.MessageInfo{
			ID:        types.NewPlaceholderMessageID(),
			SessionID: sid,
			Role:      types.RoleUser,
			Time:      types.MessageTime{Created: created},
			Model:     model,
		},
	}
	user.Parts = []types.Part{{
		ID:        types.NewPlaceholderPartID(),
		SessionID: sid,
		MessageID: user.Info.ID,
		Type:      types.PartText,
		Text:      text,
	}}
	assistant := types.Message{
		Info: types.MessageInfo{
			ID:        types.NewPlaceholderMessageID(),
			SessionID: sid,
			Role:      types.RoleAssistant,
			Time:      types.MessageTime{Created: created},
		},
	}
	assistant.Parts = []types.Part{{
		ID:        types.NewTempPartID(),
		SessionID: sid,
		MessageID: assistant.Info.ID,
		Type:      types.PartStepStart,
	}}

	turn := NewTurn(sid, user.Info.ID, assistant.Info.ID, e.opts.Now())
	e.messages = append(e.messages, user, assistant)
	e.generating = true
	e.lastError = ""
	e.turn = turn
	epoch := e.epoch
	e.publishLocked()
	e.mu.Unlock()

	e.logger.Info("submitting prompt", "session", sid, "turn", turn.ID, "chars", len(text))
	err := e.api.SendMessage(ctx, sid, agentapi.TextPrompt(text, model))

	e.mu.Lock()
	defer e.mu.Unlock()
	out := *turn
	if epoch != e.epoch {
		if err != nil {
			return &out, fmt.Errorf("submit prompt: %w", err)
		}
		return &out, nil
	}

	if err != nil {
		msg := errorMessage(err)
		e.removeMessageLocked(turn.UserPlaceholder)
		e.removeMessageLocked(turn.AssistantPlaceholder)
		e.generating = false
		e.lastError = msg
		turn.finish(e.opts.Now(), msg)
		e.publishLocked()
		e.logger.Warn("prompt rejected", "session", sid, "error", err)
		out = *turn
		return &out, fmt.Errorf("submit prompt: %w", err)
	}

	if turn.Status == TurnPending {
		turn.Status = TurnSent
		e.publishLocked()
	}
	out = *turn
	return &out, nil
}

// Abort asks the backend to stop the running turn of the selected session.
// The turn ends when the backend reports it.
func (e *Engine) Abort(ctx context.Context) error {
	e.mu.Lock()
	sid := e.selected
	e.mu.Unlock()
	if sid == "" {
		return ErrNoSession
	}
	if err := e.api.Abort(ctx, sid); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// Generating reports whether a turn is in progress.
func (e *Engine) Generating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generating
}

// errorMessage prefers the backend's extracted message over the wrapped
// transport error text.
func errorMessage(err error) string {
	var apiErr *agentapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
