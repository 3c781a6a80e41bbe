package main

import (
	"context"
	"testing"

	"github.com/user/agentlink/internal/events"
	"github.com/user/agentlink/internal/journal"
	"github.com/user/agentlink/internal/types"
)

func TestReplaySessionRebuildsTranscript(t *testing.T) {
	ctx := context.Background()
	j := journal.New(t.TempDir())

	sid := types.SessionID("ses_1")
	user := types.MessageInfo{ID: "msg_u1", SessionID: sid, Role: types.RoleUser, Time: types.MessageTime{Created: 1}}
	asst := types.MessageInfo{ID: "msg_a1", SessionID: sid, Role: types.RoleAssistant, Time: types.MessageTime{Created: 2}}
	part := types.Part{ID: "prt_1", SessionID: sid, MessageID: "msg_a1", Type: types.PartText}

	evs := []events.Event{
		events.MessageUpdated{Info: user},
		events.PartUpdated{Part: types.Part{ID: "prt_u1", SessionID: sid, MessageID: "msg_u1", Type: types.PartText, Text: "hello"}},
		events.MessageUpdated{Info: asst},
		events.PartUpdated{Part: part, Delta: "Hi"},
		events.PartUpdated{Part: part, Delta: " there"},
		events.SessionIdle{SessionID: sid},
	}
	for _, ev := range evs {
		if _, err := j.Append(ctx, events.GlobalEvent{Payload: ev}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	e, n, err := replaySession(ctx, j, sid)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer e.Close()
	if n != len(evs) {
		t.Errorf("expected %d events replayed, got %d", len(evs), n)
	}

	snap := e.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if got := snap.Messages[0].Text(); got != "hello" {
		t.Errorf("expected user text %q, got %q", "hello", got)
	}
	if got := snap.Messages[1].Text(); got != "Hi there" {
		t.Errorf("expected assistant text %q, got %q", "Hi there", got)
	}
	if snap.Generating {
		t.Error("expected replayed transcript to be idle")
	}
}

func TestReplaySessionMissingJournal(t *testing.T) {
	j := journal.New(t.TempDir())
	if _, _, err := replaySession(context.Background(), j, "ses_none"); err == nil {
		t.Error("expected error for a session without a journal")
	}
}
