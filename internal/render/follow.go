package render

import (
	"strings"

	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

// Follower renders only what changed since the previous snapshot, so a
// streaming transcript can be written to a line-oriented terminal.
// Placeholder messages are skipped until the backend confirms them.
type Follower struct {
	r       *Renderer
	session types.SessionID
	headers map[types.MessageID]bool
	printed map[types.PartID]string
	tools   map[types.PartID]string
	lastErr string
	midLine bool
	started bool
}

// Follow returns a Follower bound to the renderer's styles.
func (r *Renderer) Follow() *Follower {
	f := &Follower{r: r}
	f.reset("")
	return f
}

func (f *Follower) reset(id types.SessionID) {
	f.session = id
	f.headers = make(map[types.MessageID]bool)
	f.printed = make(map[types.PartID]string)
	f.tools = make(map[types.PartID]string)
	f.lastErr = ""
}

// Update returns the text to append for snap.
func (f *Follower) Update(snap transcript.Snapshot) string {
	var b strings.Builder
	if !f.started || snap.SessionID != f.session {
		f.reset(snap.SessionID)
		f.started = true
	}

	for _, m := range snap.Messages {
		if m.Info.ID.IsPlaceholder() {
			continue
		}
		for _, p := range m.Parts {
			chunk := f.partChunk(p)
			if chunk == "" {
				continue
			}
			if !f.headers[m.Info.ID] {
				f.headers[m.Info.ID] = true
				f.newBlock(&b)
				b.WriteString(f.r.header(m.Info))
				b.WriteString("\n")
				f.midLine = false
			}
			f.write(&b, chunk)
		}
	}

	if snap.LastError != "" && snap.LastError != f.lastErr {
		f.newBlock(&b)
		b.WriteString(f.r.styles.Error.Render("error: " + snap.LastError))
		b.WriteString("\n")
		f.midLine = false
	}
	f.lastErr = snap.LastError
	return b.String()
}

// partChunk returns the new output for one part and records it as printed.
func (f *Follower) partChunk(p types.Part) string {
	switch p.Type {
	case types.PartText, types.PartReasoning:
		if p.Synthetic || p.Text == "" {
			return ""
		}
		style := f.r.styles.Body
		if p.Type == types.PartReasoning {
			style = f.r.styles.Reasoning
		}
		prev, seen := f.printed[p.ID]
		f.printed[p.ID] = p.Text
		switch {
		case !seen:
			return style.Render(p.Text)
		case strings.HasPrefix(p.Text, prev):
			if tail := p.Text[len(prev):]; tail != "" {
				return style.Render(tail)
			}
			return ""
		default:
			// The part was replaced rather than extended.
			return "\n" + style.Render(p.Text)
		}
	case types.PartTool:
		st := toolStatus(p.State)
		if prev, ok := f.tools[p.ID]; ok && prev == st {
			return ""
		}
		f.tools[p.ID] = st
		return "\n" + f.r.Part(p) + "\n"
	}
	return ""
}

func (f *Follower) write(b *strings.Builder, s string) {
	if !f.midLine {
		s = strings.TrimPrefix(s, "\n")
	}
	b.WriteString(s)
	f.midLine = !strings.HasSuffix(s, "\n")
}

func (f *Follower) newBlock(b *strings.Builder) {
	if f.midLine {
		b.WriteString("\n")
	}
	if len(f.headers) > 1 || f.lastErr != "" {
		b.WriteString("\n")
	}
	f.midLine = false
}

// Finish terminates a partially written line.
func (f *Follower) Finish() string {
	if f.midLine {
		f.midLine = false
		return "\n"
	}
	return ""
}
