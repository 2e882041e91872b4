package utils

import (
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("peer")
	id2 := GenerateID("peer")

	if !strings.HasPrefix(id1, "peer_") {
		t.Errorf("GenerateID() = %v, want peer_ prefix", id1)
	}
	if id1 == id2 {
		t.Error("GenerateID() should produce unique IDs")
	}
}

func TestGeneratePeerID(t *testing.T) {
	if !strings.HasPrefix(GeneratePeerID(), "peer_") {
		t.Error("GeneratePeerID() should have peer_ prefix")
	}
}

func TestGenerateRoomID(t *testing.T) {
	if !strings.HasPrefix(GenerateRoomID(), "room_") {
		t.Error("GenerateRoomID() should have room_ prefix")
	}
}

func TestGenerateEnvelopeID(t *testing.T) {
	id1 := GenerateEnvelopeID()
	id2 := GenerateEnvelopeID()

	if id1 == "" || id1 == id2 {
		t.Error("GenerateEnvelopeID() should produce unique non-empty IDs")
	}
}

func TestSanitizeString(t *testing.T) {
	in := "  room\x00name\t "
	got := SanitizeString(in)
	if got != "roomname" {
		t.Errorf("SanitizeString() = %q, want %q", got, "roomname")
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("TruncateString() = %v, want short", got)
	}
	if got := TruncateString("a-fairly-long-string", 10); got != "a-fairl..." {
		t.Errorf("TruncateString() = %v, want a-fairl...", got)
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("secret-token", 4); got != "secr********" {
		t.Errorf("MaskSensitive() = %v", got)
	}
	if got := MaskSensitive("ab", 4); got != "**" {
		t.Errorf("MaskSensitive() = %v", got)
	}
}
