// Package payload loads the guest's main program (and, for dynamically
// linked guests, its interpreter) from an ELF file into guest memory,
// and keeps the descriptor needed to recreate that mapping on snapshot
// restore.
package payload

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
)

// Descriptor records everything about a loaded ELF image that
// snapshot/restore needs to reconstruct its guest memory mapping:
// the raw ELF header/program headers, the load-address adjustment
// applied (for PIE images), and the original file path.
type Descriptor struct {
	Filename   string
	Ehdr       elf.FileHeader
	Phdrs      []elf.ProgHeader
	LoadAdjust uint64
	EntryGVA   uint64
}

// Load reads an ELF file and returns the segments that must be copied
// into guest memory along with the resulting Descriptor. loadBase is
// the guest virtual address PT_LOAD segments are relocated against for
// position-independent (ET_DYN) images; for ET_EXEC images it is
// ignored and the segment's own p_vaddr is used unmodified.
func Load(path string, loadBase uint64) (*Descriptor, []Segment, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("payload: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, nil, fmt.Errorf("payload: %s is not x86-64 (machine=%s)", path, f.Machine)
	}

	var adjust uint64
	if f.Type == elf.ET_DYN {
		adjust = loadBase
	}

	desc := &Descriptor{
		Filename:   path,
		Ehdr:       f.FileHeader,
		LoadAdjust: adjust,
		EntryGVA:   f.Entry + adjust,
	}

	var segments []Segment
	for _, prog := range f.Progs {
		desc.Phdrs = append(desc.Phdrs, prog.ProgHeader)
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, nil, fmt.Errorf("payload: read segment of %s: %w", path, err)
		}
		segments = append(segments, Segment{
			GVA:      prog.Vaddr + adjust,
			MemSize:  prog.Memsz,
			FileSize: prog.Filesz,
			Flags:    prog.Flags,
			Data:     data,
		})
	}
	return desc, segments, nil
}

// Segment is one PT_LOAD program header's worth of guest memory: the
// bytes from the file, plus the memsz/filesz distinction (the tail
// past filesz is BSS and must be zero-filled, not copied).
type Segment struct {
	GVA      uint64
	MemSize  uint64
	FileSize uint64
	Flags    elf.ProgFlag
	Data     []byte
}

// ProtFromFlags converts an ELF segment's R/W/X flags to the mmap PROT_*
// bitmask this monitor's guest memory mapper expects.
func ProtFromFlags(flags elf.ProgFlag) int {
	const (
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= protRead
	}
	if flags&elf.PF_W != 0 {
		prot |= protWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= protExec
	}
	return prot
}

// Interpreter reads the PT_INTERP path out of an ELF file, returning
// "" if the image is statically linked.
func Interpreter(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil && err != io.EOF {
			return "", err
		}
		// PT_INTERP content is a NUL-terminated path.
		n := len(buf)
		for i, b := range buf {
			if b == 0 {
				n = i
				break
			}
		}
		return string(buf[:n]), nil
	}
	return "", nil
}

// Stat is a thin wrapper kept so callers don't need debug/elf + os both
// imported just to validate a payload path before Load.
func Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
