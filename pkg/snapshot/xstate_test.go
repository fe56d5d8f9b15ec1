package snapshot

import (
	"testing"

	"github.com/sv641/km/internal/kvmapi"
)

func TestXStateRoundTrip(t *testing.T) {
	var x kvmapi.XSave
	x.Region[0] = 0xdeadbeef
	x.Region[kvmapi.XSaveSize-1] = 0x1

	encoded := EncodeXState(&x)
	decoded, err := DecodeXState(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Region[0] != 0xdeadbeef {
		t.Errorf("region[0] = %#x, want 0xdeadbeef", decoded.Region[0])
	}
	if decoded.Region[kvmapi.XSaveSize-1] != 0x1 {
		t.Errorf("region[last] = %#x, want 1", decoded.Region[kvmapi.XSaveSize-1])
	}
}

func TestXStateDecodeShortDescriptor(t *testing.T) {
	if _, err := DecodeXState([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding short NT_KM_XSTATE descriptor")
	}
}

func TestNoteEncodeDecodeXState(t *testing.T) {
	var x kvmapi.XSave
	x.Region[3] = 42
	raw := EncodeNote(NTKMXState, EncodeXState(&x))
	notes, err := DecodeNotes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Type != NTKMXState {
		t.Fatalf("got %+v, want one NT_KM_XSTATE note", notes)
	}
	decoded, err := DecodeXState(notes[0].Desc)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Region[3] != 42 {
		t.Errorf("region[3] = %d, want 42", decoded.Region[3])
	}
}
