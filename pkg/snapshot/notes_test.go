package snapshot

import (
	"bytes"
	"testing"

	"github.com/sv641/km/internal/kvmapi"
)

func TestNoteEncodeDecodeRoundTrip(t *testing.T) {
	desc := []byte("hello")
	raw := EncodeNote(NTKMGuest, desc)
	notes, err := DecodeNotes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if notes[0].Type != NTKMGuest {
		t.Errorf("type = %#x, want %#x", notes[0].Type, NTKMGuest)
	}
	if !bytes.Equal(notes[0].Desc, desc) {
		t.Errorf("desc = %q, want %q", notes[0].Desc, desc)
	}
}

func TestMultipleNotesDecodeInOrder(t *testing.T) {
	var raw []byte
	raw = append(raw, EncodeNote(NTPRStatus, []byte("a"))...)
	raw = append(raw, EncodeNote(NTKMVCPU, []byte("bb"))...)
	raw = append(raw, EncodeNote(NTFile, []byte("ccc"))...)

	notes, err := DecodeNotes(raw)
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []uint32{NTPRStatus, NTKMVCPU, NTFile}
	if len(notes) != len(wantTypes) {
		t.Fatalf("got %d notes, want %d", len(notes), len(wantTypes))
	}
	for i, want := range wantTypes {
		if notes[i].Type != want {
			t.Errorf("note %d: type = %#x, want %#x", i, notes[i].Type, want)
		}
	}
}

func TestPrStatusRoundTrip(t *testing.T) {
	regs := &kvmapi.Regs{RAX: 1, RIP: 0x401000, RSP: 0x7fff0000, RFLAGS: 0x202}
	sregs := &kvmapi.Sregs{}
	sregs.CS.Base = 0x10
	pr := VCPUToPrStatus(1, regs, sregs)

	encoded := EncodePrStatus(pr)
	decoded, err := DecodePrStatus(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PrPid != 1 {
		t.Errorf("pr_pid = %d, want 1", decoded.PrPid)
	}
	if decoded.PrReg[regRIP] != 0x401000 {
		t.Errorf("rip = %#x, want 0x401000", decoded.PrReg[regRIP])
	}

	var outRegs kvmapi.Regs
	var outSregs kvmapi.Sregs
	ApplyPrStatus(decoded, &outRegs, &outSregs)
	if outRegs.RIP != 0x401000 || outRegs.RSP != 0x7fff0000 {
		t.Errorf("restored regs = %+v", outRegs)
	}
	if outSregs.CS.Base != 0x10 {
		t.Errorf("restored cs.base = %#x, want 0x10", outSregs.CS.Base)
	}
}

func TestFileMapRoundTrip(t *testing.T) {
	entries := []FileMapEntry{
		{Start: 0x1000, End: 0x2000, FileOfs: 0, Path: "[guest-region-1]"},
		{Start: 0x2000, End: 0x4000, FileOfs: 0x1000, Path: "[guest-region-2]"},
	}
	encoded := EncodeFileMap(entries, 0x1000)
	decoded, err := DecodeFileMap(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d entries, want 2", len(decoded))
	}
	if decoded[1].Path != "[guest-region-2]" || decoded[1].FileOfs != 0x1000 {
		t.Errorf("entry 1 = %+v", decoded[1])
	}
}

func TestPayloadInfoRoundTrip(t *testing.T) {
	pi := PayloadInfo{Path: "/bin/payload", LoadAdjust: 0x400000, EntryGVA: 0x401120}
	encoded := EncodePayloadInfo(pi)
	decoded, err := DecodePayloadInfo(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != pi {
		t.Errorf("got %+v, want %+v", decoded, pi)
	}
}
