// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewPlaceholderMessageID(t *testing.T) {
	id := NewPlaceholderMessageID()
	if !id.IsPlaceholder() {
		t.Errorf("expected placeholder id, got %s", id)
	}
	if len(string(id)) != len(PendingMessagePrefix)+36 {
		t.Errorf("expected prefix plus UUID, got %s", id)
	}
	if NewPlaceholderMessageID() == id {
		t.Error("expected unique ids")
	}
}

func TestPartIDKinds(t *testing.T) {
	tests := []struct {
		id          PartID
		placeholder bool
		temporary   bool
	}{
		{NewPlaceholderPartID(), true, false},
		{NewTempPartID(), false, true},
		{PartID("prt_01"), false, false},
	}
	for _, tt := range tests {
		if got := tt.id.IsPlaceholder(); got != tt.placeholder {
			t.Errorf("%s: IsPlaceholder = %v, want %v", tt.id, got, tt.placeholder)
		}
		if got := tt.id.IsTemporary(); got != tt.temporary {
			t.Errorf("%s: IsTemporary = %v, want %v", tt.id, got, tt.temporary)
		}
	}
}

func TestServerMessageIDIsNotPlaceholder(t *testing.T) {
	if MessageID("msg_abc").IsPlaceholder() {
		t.Error("server id reported as placeholder")
	}
}
