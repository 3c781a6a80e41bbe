// internal/types/models.go
package types

import (
	"encoding/json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
	PartFile       PartType = "file"
	PartSnapshot   PartType = "snapshot"
	PartPatch      PartType = "patch"
	PartAgent      PartType = "agent"
)

// Session is one conversation thread. Times are unix milliseconds.
type Session struct {
	ID        SessionID   `json:"id"`
	ParentID  SessionID   `json:"parentID,omitempty"`
	Title     string      `json:"title"`
	Directory string      `json:"directory,omitempty"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionStatus is the backend's run state for a session.
type SessionStatus struct {
	Type    string `json:"type"` // idle, busy, retry
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
	Next    int64  `json:"next,omitempty"`
}

func (s SessionStatus) Idle() bool { return s.Type == "idle" }
func (s SessionStatus) Busy() bool { return s.Type == "busy" || s.Type == "retry" }

type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type Tokens struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
	Cache     struct {
		Read  int `json:"read"`
		Write int `json:"write"`
	} `json:"cache"`
}

type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageInfo is message metadata. Assistant messages additionally carry
// accounting and completion fields.
type MessageInfo struct {
	ID        MessageID   `json:"id"`
	SessionID SessionID   `json:"sessionID"`
	Role      Role        `json:"role"`
	Time      MessageTime `json:"time"`

	// user
	Model *ModelRef `json:"model,omitempty"`

	// assistant
	ParentID   MessageID     `json:"parentID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *Tokens       `json:"tokens,omitempty"`
	Finish     string        `json:"finish,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// Terminal reports whether an assistant message finished, successfully or not.
func (m MessageInfo) Terminal() bool {
	return m.Role == RoleAssistant && (m.Error != nil || m.Time.Completed > 0)
}

type PartTime struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

type Part struct {
	ID        PartID          `json:"id"`
	SessionID SessionID       `json:"sessionID"`
	MessageID MessageID       `json:"messageID"`
	Type      PartType        `json:"type"`
	Text      string          `json:"text,omitempty"`
	Synthetic bool            `json:"synthetic,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	CallID    string          `json:"callID,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Time      *PartTime       `json:"time,omitempty"`
	Cost      float64         `json:"cost,omitempty"`
	Tokens    *Tokens         `json:"tokens,omitempty"`
}

type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Text joins the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// MessageError is the error object the backend attaches to failed
// assistant messages and session.error events.
type MessageError struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DataMessage returns data.message when present.
func (e *MessageError) DataMessage() string {
	if e == nil || len(e.Data) == 0 {
		return ""
	}
	var d struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	return d.Message
}

// Describe renders the error for display.
func (e *MessageError) Describe() string {
	if e == nil {
		return ""
	}
	msg := e.DataMessage()
	switch e.Name {
	case "ProviderAuthError":
		if msg != "" {
			return "provider authentication failed: " + msg
		}
		return "provider authentication failed"
	case "MessageOutputLengthError":
		return "output length exceeded"
	case "MessageAbortedError":
		return "generation aborted"
	}
	if msg != "" {
		return msg
	}
	if e.Name != "" {
		return e.Name
	}
	return "unknown error"
}
