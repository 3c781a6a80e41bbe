// Package render formats transcripts and connection state for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

// Renderer turns engine state into terminal text.
type Renderer struct {
	styles *Styles
	width  int
}

// New creates a renderer. A width of zero disables wrapping.
func New(styles *Styles, width int) *Renderer {
	if styles == nil {
		styles = DefaultStyles()
	}
	return &Renderer{styles: styles, width: width}
}

// Transcript renders every message of the snapshot.
func (r *Renderer) Transcript(snap transcript.Snapshot) string {
	var blocks []string
	for _, m := range snap.Messages {
		blocks = append(blocks, r.Message(m))
	}
	if snap.Generating {
		blocks = append(blocks, r.styles.Pending.Render("generating..."))
	}
	if snap.LastError != "" {
		blocks = append(blocks, r.styles.Error.Render("error: "+snap.LastError))
	}
	return strings.Join(blocks, "\n\n")
}

// Message renders one message with a role header.
func (r *Renderer) Message(m types.Message) string {
	lines := []string{r.header(m.Info)}
	for _, p := range m.Parts {
		if line := r.Part(p); line != "" {
			lines = append(lines, line)
		}
	}
	if m.Info.Error != nil {
		lines = append(lines, r.styles.Error.Render(m.Info.Error.Describe()))
	}
	return strings.Join(lines, "\n")
}

func (r *Renderer) header(info types.MessageInfo) string {
	if info.Role == types.RoleUser {
		h := r.styles.UserHeader.Render("you")
		if info.ID.IsPlaceholder() {
			h += " " + r.styles.Pending.Render("(sending)")
		}
		return h
	}
	h := r.styles.AssistantHeader.Render("assistant")
	if info.ModelID != "" {
		h += " " + r.styles.Muted.Render(info.ModelID)
	}
	return h
}

// Part renders a single part, or "" for parts with nothing to show.
func (r *Renderer) Part(p types.Part) string {
	switch p.Type {
	case types.PartText:
		if p.Synthetic {
			return ""
		}
		return r.wrap(r.styles.Body, p.Text)
	case types.PartReasoning:
		if p.Text == "" {
			return ""
		}
		return r.wrap(r.styles.Reasoning, p.Text)
	case types.PartTool:
		line := "tool " + p.Tool
		if st := toolStatus(p.State); st != "" {
			line += " (" + st + ")"
		}
		return r.styles.Tool.Render(line)
	case types.PartFile:
		return r.styles.Muted.Render("[file]")
	}
	return ""
}

func (r *Renderer) wrap(style lipgloss.Style, text string) string {
	if r.width > 0 {
		style = style.Width(r.width)
	}
	return style.Render(text)
}

// toolStatus extracts state.status from a tool part.
func toolStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var st struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return ""
	}
	return st.Status
}

// Status renders a one-line summary of the connection and event stream.
func (r *Renderer) Status(state connection.State, health stream.Health) string {
	var conn string
	switch state.Phase {
	case connection.PhaseConnected:
		conn = r.styles.StatusOK.Render("connected")
		if state.Version != "" {
			conn += " " + r.styles.Muted.Render("v"+state.Version)
		}
	case connection.PhaseConnecting:
		conn = r.styles.StatusWarn.Render("connecting")
	case connection.PhaseError:
		conn = r.styles.StatusDown.Render("error")
		if state.Message != "" {
			conn += ": " + state.Message
		}
	default:
		conn = r.styles.StatusDown.Render("disconnected")
	}
	return conn + " | stream " + r.streamStatus(health)
}

func (r *Renderer) streamStatus(h stream.Health) string {
	switch h.Phase {
	case stream.PhaseActive:
		return r.styles.StatusOK.Render("active")
	case stream.PhaseScheduled:
		return r.styles.StatusWarn.Render(fmt.Sprintf("reconnecting in %s (attempt %d)", h.NextRetryIn.Round(time.Millisecond), h.ReconnectAttempts))
	case stream.PhaseGaveUp:
		return r.styles.StatusDown.Render("gave up") + " " + r.styles.Muted.Render("(send SIGUSR1 to retry)")
	case stream.PhaseBroken, stream.PhaseStarting:
		return r.styles.StatusWarn.Render(string(h.Phase))
	}
	return r.styles.Muted.Render(string(h.Phase))
}

// Sessions renders a session list, marking the selected one. counts may be
// nil.
func (r *Renderer) Sessions(sessions []types.Session, selected types.SessionID, counts map[types.SessionID]int) string {
	if len(sessions) == 0 {
		return r.styles.Muted.Render("no sessions")
	}
	var lines []string
	for _, s := range sessions {
		mark := " "
		if s.ID == selected {
			mark = "*"
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		line := fmt.Sprintf("%s %s  %s", mark, s.ID, title)
		if counts != nil {
			line += r.styles.Muted.Render(fmt.Sprintf("  %d messages", counts[s.ID]))
		}
		if s.Time.Updated > 0 {
			line += r.styles.Muted.Render("  " + time.UnixMilli(s.Time.Updated).Format("2006-01-02 15:04"))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
