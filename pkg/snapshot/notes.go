// Package snapshot reads and writes ELF64 core-dump-shaped snapshot
// files: one PT_LOAD segment per live guest memory region plus a
// single PT_NOTE segment carrying an ordered sequence of typed notes
// describing per-vCPU register state, open file mappings, and the
// loaded payload/dynamic-linker images needed to resume execution.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Note types. NT_PRSTATUS and NT_FILE reuse the standard Linux core
// note type values so the file stays inspectable with readelf/gdb;
// the KM_* values live in a vendor-private range since they carry
// engine-specific state no other tool understands.
const (
	NTPRStatus     = 1          // struct elf_prstatus, general registers
	NTFile         = 0x46494c45 // mapped-file records, Linux core convention
	NTKMVCPU       = 0x4b4d0001 // vCPU-specific state beyond prstatus (sregs bases, sigmask)
	NTKMGuest      = 0x4b4d0002 // main payload descriptor
	NTKMDynlinker  = 0x4b4d0003 // dynamic linker payload descriptor, if any
	NTKMXState     = 0x4b4d0004 // per-vCPU KVM_GET_XSAVE blob
)

// noteName is the note owner string every note in this file uses,
// enabling round-trip identification the way core files use "CORE"/"LINUX".
const noteName = "KM"

type noteHeader struct {
	NameSize uint32
	DescSize uint32
	Type     uint32
}

// EncodeNote serializes one note in standard ELF note format: a
// header, the NUL-padded name, then the NUL-padded descriptor, each
// field 4-byte aligned per the ELF64 note spec.
func EncodeNote(typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	nameBytes := append([]byte(noteName), 0)
	binary.Write(&buf, binary.LittleEndian, noteHeader{
		NameSize: uint32(len(nameBytes)),
		DescSize: uint32(len(desc)),
		Type:     typ,
	})
	buf.Write(nameBytes)
	writePad4(&buf)
	buf.Write(desc)
	writePad4(&buf)
	return buf.Bytes()
}

func writePad4(buf *bytes.Buffer) {
	if pad := (4 - buf.Len()%4) % 4; pad != 0 {
		buf.Write(make([]byte, pad))
	}
}

// Note is one decoded note entry.
type Note struct {
	Type uint32
	Desc []byte
}

// DecodeNotes walks a PT_NOTE segment's raw bytes and returns every
// note entry found in order.
func DecodeNotes(data []byte) ([]Note, error) {
	var notes []Note
	off := 0
	for off+12 <= len(data) {
		var hdr noteHeader
		if err := binary.Read(bytes.NewReader(data[off:off+12]), binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("snapshot: decode note header: %w", err)
		}
		off += 12
		nameEnd := off + int(hdr.NameSize)
		if nameEnd > len(data) {
			return nil, fmt.Errorf("snapshot: truncated note name")
		}
		off = align4(nameEnd)
		descEnd := off + int(hdr.DescSize)
		if descEnd > len(data) {
			return nil, fmt.Errorf("snapshot: truncated note descriptor")
		}
		desc := data[off:descEnd]
		off = align4(descEnd)
		notes = append(notes, Note{Type: hdr.Type, Desc: desc})
	}
	return notes, nil
}

func align4(n int) int { return (n + 3) &^ 3 }

// NotesOfType returns every decoded note matching typ, in file order —
// the engine applies NT_PRSTATUS/NT_KM_VCPU pairs per-vCPU in the
// order they appear, same as km_snapshot_notes_apply.
func NotesOfType(notes []Note, typ uint32) []Note {
	var out []Note
	for _, n := range notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
