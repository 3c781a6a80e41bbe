// Package events defines the closed set of domain events pushed by the
// agent backend and their envelope wire format.
package events

import (
	"encoding/json"

	"github.com/user/agentlink/internal/types"
)

// Event kinds as they appear in payload.type.
const (
	TypeMessageUpdated = "message.updated"
	TypeMessageRemoved = "message.removed"
	TypePartUpdated    = "message.part.updated"
	TypePartRemoved    = "message.part.removed"
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeSessionDeleted = "session.deleted"
	TypeSessionStatus  = "session.status"
	TypeSessionIdle    = "session.idle"
	TypeSessionError   = "session.error"
	TypeHeartbeat      = "server.heartbeat"
	TypeConnected      = "server.connected"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() string
	isEvent()
}

// GlobalEvent wraps a domain event with the workspace it originated from.
type GlobalEvent struct {
	Source  string
	Payload Event
}

type MessageUpdated struct {
	Info types.MessageInfo `json:"info"`
}

type MessageRemoved struct {
	SessionID types.SessionID `json:"sessionID"`
	MessageID types.MessageID `json:"messageID"`
}

// PartUpdated carries a full part and, for streamed text, the fragment
// appended since the previous update.
type PartUpdated struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

type PartRemoved struct {
	SessionID types.SessionID `json:"sessionID"`
	MessageID types.MessageID `json:"messageID"`
	PartID    types.PartID    `json:"partID"`
}

type SessionCreated struct {
	Info types.Session `json:"info"`
}

type SessionUpdated struct {
	Info types.Session `json:"info"`
}

type SessionDeleted struct {
	Info types.Session `json:"info"`
}

type SessionStatus struct {
	SessionID types.SessionID     `json:"sessionID"`
	Status    types.SessionStatus `json:"status"`
}

// SessionIdle is the older form of a session.status idle notification.
type SessionIdle struct {
	SessionID types.SessionID `json:"sessionID"`
}

type SessionError struct {
	SessionID types.SessionID     `json:"sessionID,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

type Heartbeat struct{}

type Connected struct{}

// Unknown keeps event kinds this client does not model.
type Unknown struct {
	Kind       string
	Properties json.RawMessage
}

func (MessageUpdated) Type() string { return TypeMessageUpdated }
func (MessageRemoved) Type() string { return TypeMessageRemoved }
func (PartUpdated) Type() string    { return TypePartUpdated }
func (PartRemoved) Type() string    { return TypePartRemoved }
func (SessionCreated) Type() string { return TypeSessionCreated }
func (SessionUpdated) Type() string { return TypeSessionUpdated }
func (SessionDeleted) Type() string { return TypeSessionDeleted }
func (SessionStatus) Type() string  { return TypeSessionStatus }
func (SessionIdle) Type() string    { return TypeSessionIdle }
func (SessionError) Type() string   { return TypeSessionError }
func (Heartbeat) Type() string      { return TypeHeartbeat }
func (Connected) Type() string      { return TypeConnected }
func (u Unknown) Type() string      { return u.Kind }

func (MessageUpdated) isEvent() {}
func (MessageRemoved) isEvent() {}
func (PartUpdated) isEvent()    {}
func (PartRemoved) isEvent()    {}
func (SessionCreated) isEvent() {}
func (SessionUpdated) isEvent() {}
func (SessionDeleted) isEvent() {}
func (SessionStatus) isEvent()  {}
func (SessionIdle) isEvent()    {}
func (SessionError) isEvent()   {}
func (Heartbeat) isEvent()      {}
func (Connected) isEvent()      {}
func (Unknown) isEvent()        {}

// SessionOf returns the session an event belongs to, or "" for events
// that are not scoped to a session.
func SessionOf(e Event) types.SessionID {
	switch ev := e.(type) {
	case MessageUpdated:
		return ev.Info.SessionID
	case MessageRemoved:
		return ev.SessionID
	case PartUpdated:
		return ev.Part.SessionID
	case PartRemoved:
		return ev.SessionID
	case SessionCreated:
		return ev.Info.ID
	case SessionUpdated:
		return ev.Info.ID
	case SessionDeleted:
		return ev.Info.ID
	case SessionStatus:
		return ev.SessionID
	case SessionIdle:
		return ev.SessionID
	case SessionError:
		return ev.SessionID
	}
	return ""
}

// IsHeartbeat reports whether the event only proves the channel is alive.
func IsHeartbeat(e Event) bool {
	_, ok := e.(Heartbeat)
	return ok
}

// Reader yields decoded events from a long-lived stream.
type Reader interface {
	Next() bool
	Current() GlobalEvent
	Err() error
	Close() error
}

// FromSource returns a filter accepting events tagged with dir. Untagged
// events and an empty dir always pass.
func FromSource(dir string) func(GlobalEvent) bool {
	return func(ev GlobalEvent) bool {
		return dir == "" || ev.Source == "" || ev.Source == dir
	}
}
