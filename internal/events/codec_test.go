package events

import (
	"strings"
	"testing"

	"github.com/user/agentlink/internal/types"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := `{"directory":"/work/app","payload":{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s1","messageID":"a1","type":"text","text":"Hi"},"delta":"Hi"}}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Source != "/work/app" {
		t.Errorf("expected source /work/app, got %q", ev.Source)
	}
	part, ok := ev.Payload.(PartUpdated)
	if !ok {
		t.Fatalf("expected PartUpdated, got %T", ev.Payload)
	}
	if part.Part.ID != "p1" || part.Part.MessageID != "a1" || part.Delta != "Hi" {
		t.Errorf("unexpected part: %+v", part)
	}
	if SessionOf(part) != "s1" {
		t.Errorf("expected session s1, got %q", SessionOf(part))
	}
}

func TestDecodeBarePayload(t *testing.T) {
	raw := `{"type":"session.status","properties":{"sessionID":"s1","status":{"type":"idle"}}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	status, ok := ev.Payload.(SessionStatus)
	if !ok {
		t.Fatalf("expected SessionStatus, got %T", ev.Payload)
	}
	if !status.Status.Idle() {
		t.Errorf("expected idle, got %q", status.Status.Type)
	}
	if ev.Source != "" {
		t.Errorf("expected empty source, got %q", ev.Source)
	}
}

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"payload":{"type":"server.heartbeat","properties":{}}}`, TypeHeartbeat},
		{`{"payload":{"type":"server.connected"}}`, TypeConnected},
		{`{"payload":{"type":"message.updated","properties":{"info":{"id":"u1","sessionID":"s1","role":"user","time":{"created":1}}}}}`, TypeMessageUpdated},
		{`{"payload":{"type":"message.removed","properties":{"sessionID":"s1","messageID":"m1"}}}`, TypeMessageRemoved},
		{`{"payload":{"type":"message.part.removed","properties":{"sessionID":"s1","messageID":"m1","partID":"p1"}}}`, TypePartRemoved},
		{`{"payload":{"type":"session.created","properties":{"info":{"id":"s2","title":"new","time":{"created":1,"updated":1}}}}}`, TypeSessionCreated},
		{`{"payload":{"type":"session.updated","properties":{"info":{"id":"s2","title":"renamed","time":{"created":1,"updated":2}}}}}`, TypeSessionUpdated},
		{`{"payload":{"type":"session.deleted","properties":{"info":{"id":"s2"}}}}`, TypeSessionDeleted},
		{`{"payload":{"type":"session.idle","properties":{"sessionID":"s1"}}}`, TypeSessionIdle},
		{`{"payload":{"type":"session.error","properties":{"sessionID":"s1","error":{"name":"ProviderAuthError","data":{"message":"bad key"}}}}}`, TypeSessionError},
		{`{"payload":{"type":"lsp.updated","properties":{"x":1}}}`, "lsp.updated"},
	}
	for _, tt := range tests {
		ev, err := Decode([]byte(tt.raw))
		if err != nil {
			t.Errorf("%s: %v", tt.want, err)
			continue
		}
		if got := ev.Payload.Type(); got != tt.want {
			t.Errorf("expected type %s, got %s", tt.want, got)
		}
	}
}

func TestDecodeUnknownKeepsProperties(t *testing.T) {
	ev, err := Decode([]byte(`{"payload":{"type":"file.edited","properties":{"file":"main.go"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := ev.Payload.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", ev.Payload)
	}
	if !strings.Contains(string(u.Properties), "main.go") {
		t.Errorf("expected raw properties to be kept, got %s", u.Properties)
	}
}

func TestDecodeErrors(t *testing.T) {
	bad := []string{
		`not json`,
		`{"payload":{"properties":{}}}`,
		`{}`,
		`{"payload":{"type":"message.updated","properties":{"info":"oops"}}}`,
	}
	for _, raw := range bad {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	original := GlobalEvent{
		Source: "/work/app",
		Payload: SessionError{
			SessionID: "s1",
			Error:     &types.MessageError{Name: "MessageAbortedError"},
		},
	}
	data, err := Encode(original)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	se, ok := decoded.Payload.(SessionError)
	if !ok {
		t.Fatalf("expected SessionError, got %T", decoded.Payload)
	}
	if se.SessionID != "s1" || se.Error.Name != "MessageAbortedError" || decoded.Source != "/work/app" {
		t.Errorf("unexpected decode: %+v source=%q", se, decoded.Source)
	}
}

func TestEncodeHeartbeat(t *testing.T) {
	data, err := Encode(GlobalEvent{Payload: Heartbeat{}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"payload":{"type":"server.heartbeat","properties":{}}}` {
		t.Errorf("unexpected encoding: %s", data)
	}
	if _, err := Encode(GlobalEvent{}); err == nil {
		t.Error("expected error for nil payload")
	}
}

func TestSessionOfGlobalEvents(t *testing.T) {
	if SessionOf(Heartbeat{}) != "" {
		t.Error("heartbeat should not belong to a session")
	}
	if !IsHeartbeat(Heartbeat{}) || IsHeartbeat(Connected{}) {
		t.Error("IsHeartbeat misclassified")
	}
}
