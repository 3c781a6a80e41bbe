package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/user/agentlink/internal/types"
)

// Export is a confirmed transcript in a portable form.
type Export struct {
	Session    types.Session   `json:"session"`
	Messages   []types.Message `json:"messages"`
	ExportedAt time.Time       `json:"exportedAt"`
}

// Export returns the selected session's transcript. It fails with
// ErrUnconfirmed while any message is still a local placeholder.
func (e *Engine) Export() (*Export, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == "" {
		return nil, ErrNoSession
	}

	out := &Export{
		Session:    types.Session{ID: e.selected},
		Messages:   make([]types.Message, 0, len(e.messages)),
		ExportedAt: e.opts.Now().UTC(),
	}
	for _, s := range e.sessions {
		if s.ID == e.selected {
			out.Session = s
			break
		}
	}
	for _, m := range e.messages {
		if m.Info.ID.IsPlaceholder() {
			return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, m.Info.ID)
		}
		m.Parts = stripTemporary(append([]types.Part(nil), m.Parts...))
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

// WriteJSON writes the export as indented JSON.
func (x *Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(x); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}
