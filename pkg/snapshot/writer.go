package snapshot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// MemRegion is one live guest memory region to embed as a PT_LOAD
// segment: vvar/vDSO and the guest unikernel helper region are
// excluded by the caller, since neither needs to survive a restore
// (they are rebuilt fresh).
type MemRegion struct {
	GVA   uint64
	Bytes []byte
	Flags elf.ProgFlag
}

// Writer builds an ELF64 ET_CORE snapshot file: PT_LOAD per live
// region, in order, followed by one PT_NOTE segment holding every note
// passed to Write, in order. debug/elf can only read ELF files, not
// write them, so construction here is a direct hand-rolled layout
// of the ELF64 header/program header table rather than a library call.
type Writer struct {
	Regions []MemRegion
	Notes   [][]byte // pre-encoded via EncodeNote, concatenated as the PT_NOTE payload
	Entry   uint64
}

const (
	elfHeaderSize = 64
	phdrEntSize   = 56
)

// Write serializes the snapshot to w.
func (s *Writer) Write(w io.Writer) error {
	numPhdrs := len(s.Regions) + 1
	phdrTableSize := numPhdrs * phdrEntSize
	dataOffset := uint64(elfHeaderSize + phdrTableSize)

	var notePayload bytes.Buffer
	for _, n := range s.Notes {
		notePayload.Write(n)
	}

	type phdr struct {
		Type, Flags         uint32
		Offset, Vaddr, Paddr uint64
		Filesz, Memsz, Align uint64
	}
	var phdrs []phdr
	offset := dataOffset

	for _, r := range s.Regions {
		phdrs = append(phdrs, phdr{
			Type: uint32(elf.PT_LOAD), Flags: progFlagsToELF(r.Flags),
			Offset: offset, Vaddr: r.GVA, Paddr: r.GVA,
			Filesz: uint64(len(r.Bytes)), Memsz: uint64(len(r.Bytes)), Align: 0x1000,
		})
		offset += uint64(len(r.Bytes))
	}
	noteOffset := offset
	phdrs = append(phdrs, phdr{
		Type: uint32(elf.PT_NOTE), Flags: 0,
		Offset: noteOffset, Vaddr: 0, Paddr: 0,
		Filesz: uint64(notePayload.Len()), Memsz: 0, Align: 4,
	})

	hdr := elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     s.Entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: phdrEntSize,
		Phnum:     uint16(numPhdrs),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("snapshot: write elf header: %w", err)
	}
	for _, p := range phdrs {
		if err := binary.Write(w, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("snapshot: write program header: %w", err)
		}
	}
	for _, r := range s.Regions {
		if _, err := w.Write(r.Bytes); err != nil {
			return fmt.Errorf("snapshot: write region at %#x: %w", r.GVA, err)
		}
	}
	if _, err := w.Write(notePayload.Bytes()); err != nil {
		return fmt.Errorf("snapshot: write notes: %w", err)
	}
	return nil
}

func progFlagsToELF(f elf.ProgFlag) uint32 {
	var out uint32
	if f&elf.PF_X != 0 {
		out |= uint32(elf.PF_X)
	}
	if f&elf.PF_W != 0 {
		out |= uint32(elf.PF_W)
	}
	if f&elf.PF_R != 0 {
		out |= uint32(elf.PF_R)
	}
	return out
}
