package snapshot

import (
	"debug/elf"
	"fmt"
	"io"
)

// Snapshot is a fully decoded snapshot file: the memory regions to
// restore and every note found in its PT_NOTE segment, in file order.
type Snapshot struct {
	Regions []MemRegion
	Notes   []Note
	Entry   uint64
}

// Read opens and fully decodes an ELF64 ET_CORE snapshot file.
// debug/elf already understands program headers and PT_NOTE framing,
// so reading reuses it rather than re-implementing ELF parsing.
func Read(path string) (*Snapshot, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Type != elf.ET_CORE {
		return nil, fmt.Errorf("snapshot: %s is not an ET_CORE file (type=%s)", path, f.Type)
	}

	snap := &Snapshot{Entry: f.Entry}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			data := make([]byte, prog.Memsz)
			if _, err := io.ReadFull(prog.Open(), data[:prog.Filesz]); err != nil {
				return nil, fmt.Errorf("snapshot: read PT_LOAD at %#x: %w", prog.Vaddr, err)
			}
			snap.Regions = append(snap.Regions, MemRegion{
				GVA: prog.Vaddr, Bytes: data, Flags: prog.Flags,
			})
		case elf.PT_NOTE:
			raw := make([]byte, prog.Filesz)
			if _, err := io.ReadFull(prog.Open(), raw); err != nil {
				return nil, fmt.Errorf("snapshot: read PT_NOTE: %w", err)
			}
			notes, err := DecodeNotes(raw)
			if err != nil {
				return nil, err
			}
			snap.Notes = append(snap.Notes, notes...)
		}
	}
	return snap, nil
}
