package transcript

import (
	"time"

	"github.com/user/agentlink/internal/types"
)

// TurnStatus represents the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnSent      TurnStatus = "sent"
	TurnStreaming TurnStatus = "streaming"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Turn tracks one submitted prompt from placeholder creation until the
// backend reports the session idle or failed.
type Turn struct {
	ID                   types.TurnID    `json:"id"`
	SessionID            types.SessionID `json:"sessionID"`
	UserPlaceholder      types.MessageID `json:"userPlaceholder"`
	AssistantPlaceholder types.MessageID `json:"assistantPlaceholder"`
	UserMessageID        types.MessageID `json:"userMessageID,omitempty"`
	AssistantMessageID   types.MessageID `json:"assistantMessageID,omitempty"`
	Status               TurnStatus      `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
	EndedAt              *time.Time      `json:"endedAt,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// NewTurn creates a Turn in the Pending state.
func NewTurn(sessionID types.SessionID, user, assistant types.MessageID, now time.Time) *Turn {
	return &Turn{
		ID:                   types.NewTurnID(),
		SessionID:            sessionID,
		UserPlaceholder:      user,
		AssistantPlaceholder: assistant,
		Status:               TurnPending,
		CreatedAt:            now,
	}
}

// Done reports whether the turn reached a terminal status.
func (t *Turn) Done() bool {
	return t.Status == TurnCompleted || t.Status == TurnFailed
}

// confirm records the server id that replaced one of the turn's placeholders.
func (t *Turn) confirm(placeholder, id types.MessageID) {
	switch placeholder {
	case t.UserPlaceholder:
		t.UserMessageID = id
	case t.AssistantPlaceholder:
		t.AssistantMessageID = id
		if !t.Done() {
			t.Status = TurnStreaming
		}
	}
}

func (t *Turn) finish(now time.Time, errMsg string) {
	if t.Done() {
		return
	}
	t.EndedAt = &now
	if errMsg != "" {
		t.Status = TurnFailed
		t.Error = errMsg
		return
	}
	t.Status = TurnCompleted
}
