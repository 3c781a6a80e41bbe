//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/user/agentlink/internal/agentapi"
	"github.com/user/agentlink/internal/agentapi/agentapitest"
	"github.com/user/agentlink/internal/backend"
	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/gateway"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSettings) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memSettings) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func serverPort(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

// TestEndToEnd follows a local backend reported by status notifications,
// streams a turn, survives a dropped stream and rebuilds the same transcript
// from the journal.
func TestEndToEnd(t *testing.T) {
	srv := agentapitest.NewServer()
	defer srv.Close()
	sess := srv.AddSession("e2e")
	srv.AutoReply("Hi", " there")

	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Backend.Mode = "local"
	cfg.Backend.AutoConnect = true
	cfg.Connection.ProbeTimeoutMs = 2000
	cfg.Stream.BaseDelayMs = 10
	cfg.Stream.Multiplier = 2
	cfg.Stream.MaxDelayMs = 50
	cfg.Stream.MaxAttempts = 10
	cfg.Transcript.BatchWindowMs = 16

	settings := &memSettings{values: map[string]string{transcript.SettingLastSession: string(sess.ID)}}
	g := gateway.New(cfg, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer g.Stop()

	if g.Conn.State().Phase != connection.PhaseDisconnected {
		t.Fatalf("expected disconnected before the backend runs, got %s", g.Conn.State().Phase)
	}

	// Supervisor reports the backend running on the fake server's port.
	g.Tracker.Notify(backend.Starting())
	g.Tracker.Notify(backend.Running(serverPort(t, srv.URL)))

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := g.WaitConnected(waitCtx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	if err := g.WaitStream(waitCtx); err != nil {
		t.Fatalf("wait stream: %v", err)
	}
	waitFor(t, "last session restored", func() bool {
		snap := g.Engine.Snapshot()
		return snap.SessionID == sess.ID && !snap.Loading
	})

	turn, err := g.Engine.Submit(waitCtx, "hello", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := g.AwaitTurn(waitCtx, turn.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != transcript.TurnCompleted {
		t.Fatalf("expected completed turn, got %s", final.Status)
	}
	live := g.Engine.Snapshot()
	if got := live.Messages[len(live.Messages)-1].Text(); got != "Hi there" {
		t.Fatalf("expected %q, got %q", "Hi there", got)
	}

	// A dropped stream reconnects on its own.
	opens := srv.StreamOpens()
	srv.DropStreams()
	waitFor(t, "stream reopened", func() bool {
		return srv.StreamOpens() > opens && g.Conn.StreamHealth().Phase == stream.PhaseActive
	})

	// Events after the reconnect still reach the transcript.
	extra := srv.Message(sess.ID, "msg_late", types.RoleAssistant, "late note")
	srv.Emit(events.GlobalEvent{Payload: events.MessageUpdated{Info: extra.Info}})
	srv.Emit(events.GlobalEvent{Payload: events.PartUpdated{Part: extra.Parts[0]}})
	waitFor(t, "late message", func() bool {
		msgs := g.Engine.Snapshot().Messages
		return len(msgs) > 0 && msgs[len(msgs)-1].Text() == "late note"
	})

	// The inspect API reports the same state.
	api := httptest.NewServer(g.Inspector())
	defer api.Close()
	resp, err := http.Get(api.URL + "/api/stream")
	if err != nil {
		t.Fatalf("inspect stream: %v", err)
	}
	var health stream.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode stream health: %v", err)
	}
	resp.Body.Close()
	if health.Phase != stream.PhaseActive {
		t.Errorf("expected active stream via inspect API, got %s", health.Phase)
	}

	// The journal rebuilds the live transcript.
	if !g.Recorder.WaitIdle(3 * time.Second) {
		t.Fatal("recorder did not drain")
	}
	want := g.Engine.Snapshot().Messages
	replayed := transcript.New(replayBackend{}, transcript.Options{})
	defer replayed.Close()
	if err := replayed.SelectSession(ctx, sess.ID); err != nil {
		t.Fatalf("select for replay: %v", err)
	}
	j := journal.New(cfg.JournalDir())
	if _, err := j.Replay(ctx, sess.ID, replayed.Handle); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed.Flush()
	got := replayed.Snapshot().Messages
	if len(got) != len(want) {
		t.Fatalf("expected %d replayed messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Info.ID != want[i].Info.ID || got[i].Text() != want[i].Text() {
			t.Errorf("message %d: expected %s %q, got %s %q", i, want[i].Info.ID, want[i].Text(), got[i].Info.ID, got[i].Text())
		}
	}

	// Backend stopped: the connection drops.
	g.Tracker.Notify(backend.Stopped())
	waitFor(t, "disconnect", func() bool {
		return g.Conn.State().Phase == connection.PhaseDisconnected
	})
}

// replayBackend has no history; the journal supplies every event.
type replayBackend struct{}

func (replayBackend) ListSessions(context.Context) ([]types.Session, error) { return nil, nil }
func (replayBackend) CreateSession(context.Context, agentapi.CreateSessionRequest) (*types.Session, error) {
	return nil, errReplay
}
func (replayBackend) UpdateSession(context.Context, types.SessionID, string) (*types.Session, error) {
	return nil, errReplay
}
func (replayBackend) DeleteSession(context.Context, types.SessionID) error { return errReplay }
func (replayBackend) ListMessages(context.Context, types.SessionID) ([]types.Message, error) {
	return nil, nil
}
func (replayBackend) SendMessage(context.Context, types.SessionID, agentapi.PromptRequest) error {
	return errReplay
}
func (replayBackend) Abort(context.Context, types.SessionID) error { return errReplay }

var errReplay = errors.New("replay only")
