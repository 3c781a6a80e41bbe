// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type MessageID string
type PartID string
type TurnID string

// Prefixes marking ids that were minted locally and not yet confirmed by the backend.
const (
	PendingMessagePrefix = "pending-msg-"
	PendingPartPrefix    = "pending-part-"
	TempPartPrefix       = "temp-part-"
)

func NewPlaceholderMessageID() MessageID {
	return MessageID(PendingMessagePrefix + uuid.New().String())
}

func NewPlaceholderPartID() PartID {
	return PartID(PendingPartPrefix + uuid.New().String())
}

func NewTempPartID() PartID {
	return PartID(TempPartPrefix + uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// IsPlaceholder reports whether the message id is a local placeholder.
func (id MessageID) IsPlaceholder() bool {
	return strings.HasPrefix(string(id), PendingMessagePrefix)
}

// IsPlaceholder reports whether the part stands in for a part the backend will send.
func (id PartID) IsPlaceholder() bool {
	return strings.HasPrefix(string(id), PendingPartPrefix)
}

// IsTemporary reports whether the part is an in-progress marker.
func (id PartID) IsTemporary() bool {
	return strings.HasPrefix(string(id), TempPartPrefix)
}
