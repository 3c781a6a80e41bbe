// Package transcript maintains the conversation view of the selected
// session, reconciling optimistic local placeholders with the events the
// backend streams back.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/bus"
	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/types"
)

// DefaultBatchWindow is the part-update coalescing window used by the CLI.
const DefaultBatchWindow = 16 * time.Millisecond

var (
	// ErrNoSession is returned by operations that need a selected session.
	ErrNoSession = errors.New("no session selected")
	// ErrUnconfirmed is returned by Export while placeholders remain.
	ErrUnconfirmed = errors.New("transcript has unconfirmed messages")
	// ErrEmptyPrompt is returned when submitting blank text.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Backend is the command surface the engine drives.
type Backend interface {
	ListSessions(ctx context.Context) ([]types.Session, error)
	CreateSession(ctx context.Context, req agentapi.CreateSessionRequest) (*types.Session, error)
	UpdateSession(ctx context.Context, id types.SessionID, title string) (*types.Session, error)
	DeleteSession(ctx context.Context, id types.SessionID) error
	ListMessages(ctx context.Context, id types.SessionID) ([]types.Message, error)
	SendMessage(ctx context.Context, id types.SessionID, req agentapi.PromptRequest) error
	Abort(ctx context.Context, id types.SessionID) error
}

type Options struct {
	// BatchWindow coalesces part updates; zero applies them immediately.
	BatchWindow time.Duration
	// Settings, when set, persists the selected session as session.last_id.
	Settings types.SettingsStore
	Logger   *slog.Logger
	Now      func() time.Time
}

// Snapshot is a consistent copy of the engine's state.
type Snapshot struct {
	SessionID  types.SessionID `json:"sessionID,omitempty"`
	Sessions   []types.Session `json:"sessions"`
	Messages   []types.Message `json:"messages"`
	Generating bool            `json:"generating"`
	Loading    bool            `json:"loading"`
	LastError  string          `json:"lastError,omitempty"`
	Turn       *Turn           `json:"turn,omitempty"`
}

// Engine is the single writer of the transcript. Handle is meant to be
// subscribed to the event bus; commands may be called concurrently.
type Engine struct {
	api       Backend
	opts      Options
	logger    *slog.Logger
	snapshots *bus.Bus[Snapshot]

	mu         sync.Mutex
	sessions   []types.Session
	selected   types.SessionID
	messages   []types.Message
	generating bool
	lastError  string
	turn       *Turn
	loading    bool
	held       []events.Event
	shells     map[types.MessageID]bool
	buffer     *partBuffer
	timer      *time.Timer
	timerSeq   uint64
	epoch      uint64
}

// New creates an engine with no session selected.
func New(api Backend, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:       api,
		opts:      opts,
		logger:    logger.With("component", "transcript"),
		snapshots: bus.New[Snapshot]("transcript"),
		shells:    make(map[types.MessageID]bool),
		buffer:    newPartBuffer(),
	}
}

// Subscribe registers fn for snapshots published after each applied change.
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return e.snapshots.Subscribe(fn)
}

// Snapshot returns the applied state. Buffered part updates are not
// included until the next flush.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Flush applies buffered part updates now.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushLocked() {
		e.publishLocked()
	}
}

// Close stops pending timers and snapshot delivery.
func (e *Engine) Close() {
	e.mu.Lock()
	e.epoch++
	e.stopTimerLocked()
	e.mu.Unlock()
	e.snapshots.Close()
}

// Handle applies one event from the stream.
func (e *Engine) Handle(ev events.GlobalEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleLocked(ev.Payload)
}

func (e *Engine) handleLocked(ev events.Event) {
	switch v := ev.(type) {
	case events.SessionCreated:
		e.upsertSessionLocked(v.Info)
		e.publishLocked()
		return
	case events.SessionUpdated:
		e.upsertSessionLocked(v.Info)
		e.publishLocked()
		return
	case events.SessionDeleted:
		e.removeSessionLocked(v.Info.ID)
		if v.Info.ID == e.selected {
			e.logger.Info("selected session deleted", "session", v.Info.ID)
			e.clearSelectionLocked()
		}
		e.publishLocked()
		return
	}

	if !e.acceptsLocked(ev) {
		return
	}
	if e.loading {
		e.held = append(e.held, ev)
		return
	}

	if pu, ok := ev.(events.PartUpdated); ok && e.opts.BatchWindow > 0 {
		e.buffer.add(pu)
		e.armTimerLocked()
		return
	}

	e.flushLocked()
	e.applyLocked(ev, false)
	e.publishLocked()
}

// acceptsLocked is the session filter. Events without a session id pass
// only when they can be attributed: a session.error while generating, or
// a part or removal for a message already in the transcript.
func (e *Engine) acceptsLocked(ev events.Event) bool {
	if e.selected == "" {
		return false
	}
	sid := events.SessionOf(ev)
	if sid == e.selected {
		return true
	}
	if sid != "" {
		return false
	}
	switch v := ev.(type) {
	case events.SessionError:
		return e.generating
	case events.PartUpdated:
		return e.indexLocked(v.Part.MessageID) >= 0
	case events.PartRemoved:
		return e.indexLocked(v.MessageID) >= 0
	case events.MessageRemoved:
		return e.indexLocked(v.MessageID) >= 0
	}
	return false
}

// applyLocked mutates the transcript for one session-scoped event. merge is
// set while replaying events held during a history load.
func (e *Engine) applyLocked(ev events.Event, merge bool) {
	switch v := ev.(type) {
	case events.MessageUpdated:
		e.applyMessageLocked(v.Info, merge)
	case events.MessageRemoved:
		e.removeMessageLocked(v.MessageID)
	case events.PartUpdated:
		e.applyPartLocked(v, merge)
	case events.PartRemoved:
		e.removePartLocked(v.MessageID, v.PartID)
	case events.SessionStatus:
		switch {
		case v.Status.Idle():
			e.endTurnLocked("")
		case v.Status.Busy():
			e.generating = true
		}
	case events.SessionIdle:
		e.endTurnLocked("")
	case events.SessionError:
		msg := v.Error.Describe()
		if msg == "" {
			msg = "session error"
		}
		e.lastError = msg
		e.endTurnLocked(msg)
	}
}

func (e *Engine) applyMessageLocked(info types.MessageInfo, merge bool) {
	if i := e.indexLocked(info.ID); i >= 0 && e.shells[info.ID] {
		e.settleShellLocked(i, info)
	} else if i >= 0 {
		cur := e.messages[i].Info
		if merge && cur.Terminal() && !info.Terminal() {
			return
		}
		e.messages[i].Info = info
	} else if p := e.oldestPlaceholderLocked(info.Role); p >= 0 {
		e.confirmLocked(p, info)
	} else {
		e.insertLocked(types.Message{Info: info})
	}

	if info.Terminal() {
		msg := ""
		if info.Error != nil {
			msg = info.Error.Describe()
			e.lastError = msg
		}
		e.endTurnLocked(msg)
	}
}

// confirmLocked swaps a placeholder's identity for the server's. Parts and
// position are kept.
func (e *Engine) confirmLocked(i int, info types.MessageInfo) {
	placeholder := e.messages[i].Info.ID
	e.messages[i].Info = info
	for j := range e.messages[i].Parts {
		e.messages[i].Parts[j].MessageID = info.ID
	}
	if e.turn != nil {
		e.turn.confirm(placeholder, info.ID)
	}
	e.logger.Debug("placeholder confirmed", "placeholder", placeholder, "message", info.ID, "role", info.Role)
}

func (e *Engine) applyPartLocked(ev events.PartUpdated, merge bool) {
	p := ev.Part
	mi := e.indexLocked(p.MessageID)
	if mi < 0 {
		mi = e.shellLocked(p)
	}
	msg := &e.messages[mi]

	pi := -1
	for j := range msg.Parts {
		if msg.Parts[j].ID == p.ID {
			pi = j
			break
		}
	}

	switch {
	case pi >= 0 && merge && p.Text != "":
		// History may already contain this update; keep whichever is newer.
		if len(p.Text) < len(msg.Parts[pi].Text) {
			return
		}
		msg.Parts[pi] = inherit(p, msg.Parts[pi])
	case pi >= 0 && ev.Delta != "":
		text := msg.Parts[pi].Text + ev.Delta
		msg.Parts[pi] = inherit(p, msg.Parts[pi])
		msg.Parts[pi].Text = text
	case pi >= 0:
		msg.Parts[pi] = inherit(p, msg.Parts[pi])
	default:
		if p.Text == "" && ev.Delta != "" {
			p.Text = ev.Delta
		}
		msg.Parts = placePart(msg.Parts, p)
	}

	msg.Parts = stripTemporary(msg.Parts)
	if e.turn != nil && !e.turn.Done() && msg.Info.Role == types.RoleAssistant && !e.shells[msg.Info.ID] {
		e.turn.Status = TurnStreaming
	}
}

// placePart adds a new part, taking the slot of a same-type pending part
// when there is one.
func placePart(parts []types.Part, p types.Part) []types.Part {
	for j := range parts {
		if parts[j].ID.IsPlaceholder() && parts[j].Type == p.Type {
			parts[j] = p
			return parts
		}
	}
	return append(parts, p)
}

// shellLocked appends a stand-in for a message whose part arrived before
// its info. The role is unknown until the info arrives, so no placeholder
// is claimed here.
func (e *Engine) shellLocked(p types.Part) int {
	info := types.MessageInfo{ID: p.MessageID, SessionID: p.SessionID, Role: types.RoleAssistant}
	info.Time.Created = e.opts.Now().UnixMilli()
	e.messages = append(e.messages, types.Message{Info: info})
	e.shells[p.MessageID] = true
	return len(e.messages) - 1
}

// settleShellLocked gives shell i its real info. When a placeholder of the
// same role is waiting, the shell's parts move into it and the placeholder
// keeps its position; otherwise the shell is re-inserted by created time.
func (e *Engine) settleShellLocked(i int, info types.MessageInfo) {
	delete(e.shells, info.ID)
	shell := e.messages[i]
	e.messages = append(e.messages[:i], e.messages[i+1:]...)

	p := e.oldestPlaceholderLocked(info.Role)
	if p < 0 {
		shell.Info = info
		e.insertLocked(shell)
		return
	}
	e.confirmLocked(p, info)
	msg := &e.messages[p]
	for _, part := range shell.Parts {
		msg.Parts = placePart(msg.Parts, part)
	}
	if len(shell.Parts) > 0 {
		msg.Parts = stripTemporary(msg.Parts)
	}
}

func (e *Engine) removeMessageLocked(id types.MessageID) {
	if i := e.indexLocked(id); i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	}
	delete(e.shells, id)
}

func (e *Engine) removePartLocked(msgID types.MessageID, partID types.PartID) {
	i := e.indexLocked(msgID)
	if i < 0 {
		return
	}
	parts := e.messages[i].Parts
	for j := range parts {
		if parts[j].ID == partID {
			e.messages[i].Parts = append(parts[:j], parts[j+1:]...)
			return
		}
	}
}

// endTurnLocked clears the generating flag, drops in-progress markers and
// assistant placeholders that never received content.
func (e *Engine) endTurnLocked(errMsg string) {
	e.generating = false
	kept := e.messages[:0]
	for _, m := range e.messages {
		m.Parts = stripTemporary(m.Parts)
		if m.Info.ID.IsPlaceholder() && m.Info.Role == types.RoleAssistant && len(m.Parts) == 0 {
			continue
		}
		kept = append(kept, m)
	}
	e.messages = kept
	if e.turn != nil && !e.turn.Done() {
		e.turn.finish(e.opts.Now(), errMsg)
	}
}

func (e *Engine) oldestPlaceholderLocked(role types.Role) int {
	best := -1
	for i, m := range e.messages {
		if !m.Info.ID.IsPlaceholder() || m.Info.Role != role {
			continue
		}
		if best < 0 || m.Info.Time.Created < e.messages[best].Info.Time.Created {
			best = i
		}
	}
	return best
}

func (e *Engine) indexLocked(id types.MessageID) int {
	for i := range e.messages {
		if e.messages[i].Info.ID == id {
			return i
		}
	}
	return -1
}

// insertLocked places m after every message created no later than it.
func (e *Engine) insertLocked(m types.Message) {
	i := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].Info.Time.Created > m.Info.Time.Created
	})
	e.messages = append(e.messages, types.Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m
}

// inherit fills identity fields a delta update may omit from the part it
// updates.
func inherit(p, prev types.Part) types.Part {
	if p.Type == "" {
		p.Type = prev.Type
	}
	if p.SessionID == "" {
		p.SessionID = prev.SessionID
	}
	if p.MessageID == "" {
		p.MessageID = prev.MessageID
	}
	return p
}

func stripTemporary(parts []types.Part) []types.Part {
	kept := parts[:0]
	for _, p := range parts {
		if !p.ID.IsTemporary() {
			kept = append(kept, p)
		}
	}
	return kept
}

// flushLocked applies buffered part updates. It reports whether anything
// was applied.
func (e *Engine) flushLocked() bool {
	e.stopTimerLocked()
	if e.buffer.len() == 0 {
		return false
	}
	for _, ev := range e.buffer.drain() {
		e.applyLocked(ev, false)
	}
	return true
}

func (e *Engine) armTimerLocked() {
	if e.timer != nil {
		return
	}
	e.timerSeq++
	seq := e.timerSeq
	e.timer = time.AfterFunc(e.opts.BatchWindow, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if seq != e.timerSeq {
			return
		}
		e.timer = nil
		if e.flushLocked() {
			e.publishLocked()
		}
	})
}

func (e *Engine) stopTimerLocked() {
	e.timerSeq++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) publishLocked() {
	e.snapshots.Publish(e.snapshotLocked())
}

func (e *Engine) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:  e.selected,
		Sessions:   append([]types.Session(nil), e.sessions...),
		Messages:   make([]types.Message, len(e.messages)),
		Generating: e.generating,
		Loading:    e.loading,
		LastError:  e.lastError,
	}
	for i, m := range e.messages {
		m.Parts = append([]types.Part(nil), m.Parts...)
		s.Messages[i] = m
	}
	if e.turn != nil {
		t := *e.turn
		s.Turn = &t
	}
	return s
}
