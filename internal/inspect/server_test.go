package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/user/agentlink/internal/bus"
	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/transcript"
	"github.com/user/agentlink/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeConnection struct {
	state      connection.State
	health     stream.Health
	reconnects int
	connected  bool
}

func (f *fakeConnection) State() connection.State { return f.state }
func (f *fakeConnection) Mode() connection.Mode {
	return connection.Mode{Kind: connection.ModeRemote, URL: "http://agent:4096"}
}
func (f *fakeConnection) StreamHealth() stream.Health { return f.health }
func (f *fakeConnection) ReconnectStream() error {
	if !f.connected {
		return connection.ErrNotConnected
	}
	f.reconnects++
	return nil
}

type fakeTranscript struct {
	snap transcript.Snapshot
}

func (f *fakeTranscript) Snapshot() transcript.Snapshot { return f.snap }

func setupServer(t *testing.T, j Journal) (*Server, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{
		state:     connection.State{Phase: connection.PhaseConnected, Version: "1.2.3", Endpoint: "http://agent:4096"},
		health:    stream.Health{Active: true, Phase: stream.PhaseActive},
		connected: true,
	}
	tr := &fakeTranscript{snap: transcript.Snapshot{
		SessionID: "s1",
		Sessions: []types.Session{
			{ID: "s1", Title: "first", Time: types.SessionTime{Updated: 2}},
			{ID: "s2", Title: "second", Time: types.SessionTime{Updated: 1}},
		},
		Messages: []types.Message{{Info: types.MessageInfo{ID: "u1", SessionID: "s1", Role: types.RoleUser}}},
	}}
	return NewServer(Options{Connection: conn, Transcript: tr, Journal: j}), conn
}

func get(t *testing.T, srv http.Handler, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return w.Code
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)
	var resp map[string]string
	if code := get(t, srv, "/health", &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestHealthReportsSubscribers(t *testing.T) {
	b := bus.New[events.GlobalEvent]("test")
	defer b.Close()
	unsub := b.Subscribe(func(events.GlobalEvent) {})
	b.Subscribe(func(events.GlobalEvent) {})

	srv := NewServer(Options{Connection: &fakeConnection{}, Transcript: &fakeTranscript{}, Events: b})
	var resp struct {
		Status      string `json:"status"`
		Subscribers int    `json:"subscribers"`
	}
	if code := get(t, srv, "/health", &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.Status != "ok" || resp.Subscribers != 2 {
		t.Errorf("expected 2 subscribers, got %+v", resp)
	}

	unsub()
	if code := get(t, srv, "/health", &resp); code != http.StatusOK || resp.Subscribers != 1 {
		t.Errorf("expected 1 subscriber after unsubscribe, got %d (%d)", resp.Subscribers, code)
	}
}

func TestConnectionEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)
	var resp struct {
		Phase   string `json:"phase"`
		Version string `json:"version"`
		Mode    struct {
			Kind string `json:"kind"`
			URL  string `json:"url"`
		} `json:"mode"`
	}
	if code := get(t, srv, "/api/connection", &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.Phase != string(connection.PhaseConnected) || resp.Version != "1.2.3" {
		t.Errorf("unexpected connection state: %+v", resp)
	}
	if resp.Mode.Kind != "remote" || resp.Mode.URL != "http://agent:4096" {
		t.Errorf("unexpected mode: %+v", resp.Mode)
	}
}

func TestStreamEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)
	var resp stream.Health
	if code := get(t, srv, "/api/stream", &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if !resp.Active || resp.Phase != stream.PhaseActive {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestReconnectEndpoint(t *testing.T) {
	srv, conn := setupServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/stream/reconnect", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted || conn.reconnects != 1 {
		t.Errorf("expected accepted reconnect, got %d (%d reconnects)", w.Code, conn.reconnects)
	}

	conn.connected = false
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/stream/reconnect", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 when not connected, got %d", w.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	j := journal.New(t.TempDir())
	ev := events.GlobalEvent{Payload: events.SessionIdle{SessionID: "s1"}}
	for i := 0; i < 3; i++ {
		if _, err := j.Append(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	srv, _ := setupServer(t, j)

	var resp []sessionResponse
	if code := get(t, srv, "/api/sessions", &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp))
	}
	if resp[0].ID != "s1" || !resp[0].Selected || resp[0].EventCount != 3 {
		t.Errorf("unexpected first session: %+v", resp[0])
	}
	if resp[1].Selected || resp[1].EventCount != 0 {
		t.Errorf("unexpected second session: %+v", resp[1])
	}
}

func TestSessionEventsEndpoint(t *testing.T) {
	j := journal.New(t.TempDir())
	for _, id := range []types.SessionID{"s1", "s1", "s1"} {
		if _, err := j.Append(context.Background(), events.GlobalEvent{Payload: events.SessionIdle{SessionID: id}}); err != nil {
			t.Fatal(err)
		}
	}
	srv, _ := setupServer(t, j)

	var recs []journal.Record
	if code := get(t, srv, "/api/sessions/s1/events?limit=2", &recs); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if len(recs) != 2 || recs[0].Seq != 2 || recs[1].Type != events.TypeSessionIdle {
		t.Errorf("unexpected records: %+v", recs)
	}

	var empty []journal.Record
	if code := get(t, srv, "/api/sessions/none/events", &empty); code != http.StatusOK || len(empty) != 0 {
		t.Errorf("expected empty list, got %d %v", code, empty)
	}
}

func TestSessionEventsWithoutJournal(t *testing.T) {
	srv, _ := setupServer(t, nil)
	if code := get(t, srv, "/api/sessions/s1/events", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)
	var snap transcript.Snapshot
	if code := get(t, srv, "/api/transcript", &snap); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if snap.SessionID != "s1" || len(snap.Messages) != 1 || snap.Messages[0].Info.ID != "u1" {
		t.Errorf("unexpected transcript: %+v", snap)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := setupServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard CORS origin, got %q", got)
	}
}
