package snapshot

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/sv641/km/internal/kvmapi"
)

func TestWriterReadRoundTrip(t *testing.T) {
	regs := &kvmapi.Regs{RIP: 0x401000, RSP: 0x7ffffff0}
	sregs := &kvmapi.Sregs{}
	pr := VCPUToPrStatus(0, regs, sregs)

	w := &Writer{
		Entry: 0x401000,
		Regions: []MemRegion{
			{GVA: 0x200000, Bytes: bytes.Repeat([]byte{0xAA}, 0x1000), Flags: elf.PF_R | elf.PF_W},
			{GVA: 0x400000, Bytes: bytes.Repeat([]byte{0xBB}, 0x2000), Flags: elf.PF_R | elf.PF_X},
		},
		Notes: [][]byte{
			EncodeNote(NTPRStatus, EncodePrStatus(pr)),
			EncodeNote(NTKMGuest, EncodePayloadInfo(PayloadInfo{Path: "/bin/payload", EntryGVA: 0x401000})),
		},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "snap.core")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	if err := w.Write(f); err != nil {
		f.Close()
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	snap, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if snap.Entry != w.Entry {
		t.Errorf("Entry = %#x, want %#x", snap.Entry, w.Entry)
	}
	if len(snap.Regions) != len(w.Regions) {
		t.Fatalf("got %d regions, want %d", len(snap.Regions), len(w.Regions))
	}
	for i, r := range w.Regions {
		got := snap.Regions[i]
		if got.GVA != r.GVA {
			t.Errorf("region %d: GVA = %#x, want %#x", i, got.GVA, r.GVA)
		}
		if !bytes.Equal(got.Bytes, r.Bytes) {
			t.Errorf("region %d: bytes mismatch (%d vs %d bytes)", i, len(got.Bytes), len(r.Bytes))
		}
	}

	prNotes := NotesOfType(snap.Notes, NTPRStatus)
	if len(prNotes) != 1 {
		t.Fatalf("got %d NT_PRSTATUS notes, want 1", len(prNotes))
	}
	decodedPr, err := DecodePrStatus(prNotes[0].Desc)
	if err != nil {
		t.Fatalf("DecodePrStatus: %v", err)
	}
	if decodedPr.PrReg[regRIP] != regs.RIP {
		t.Errorf("restored rip = %#x, want %#x", decodedPr.PrReg[regRIP], regs.RIP)
	}

	guestNotes := NotesOfType(snap.Notes, NTKMGuest)
	if len(guestNotes) != 1 {
		t.Fatalf("got %d NT_KM_GUEST notes, want 1", len(guestNotes))
	}
	pi, err := DecodePayloadInfo(guestNotes[0].Desc)
	if err != nil {
		t.Fatalf("DecodePayloadInfo: %v", err)
	}
	if pi.Path != "/bin/payload" || pi.EntryGVA != 0x401000 {
		t.Errorf("restored payload info = %+v", pi)
	}
}
