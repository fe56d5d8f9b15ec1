package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/sv641/km/internal/payload"
	"github.com/sv641/km/pkg/guestmem"
	"github.com/sv641/km/pkg/machine"
)

// Auxiliary vector types this monitor fills in; a small subset of
// <elf.h>'s AT_* constants, just the ones glibc's _start actually
// reads before calling into libc's startup proper.
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atBase     = 7
	atEntry    = 9
	atUID      = 11
	atEUID     = 12
	atGID      = 13
	atEGID     = 14
	atSecure   = 23
	atRandom   = 25
	atExecfn   = 31
)

// writeGuestBytes copies data into guest memory starting at gva,
// chunked a page at a time so a write spanning a slot-table boundary
// (the geometry's slots grow in power-of-two sizes, smallest 1MB, so
// this only ever bites on the rare write that starts within a few
// bytes of a boundary) never overruns a single slot's backing mmap.
func writeGuestBytes(st *guestmem.SlotTable, mgr *guestmem.Manager, gva uint64, data []byte) error {
	for off := 0; off < len(data); {
		chunk := guestmem.PageSize - int(gva+uint64(off))%guestmem.PageSize
		if chunk > len(data)-off {
			chunk = len(data) - off
		}
		gpa, ok := mgr.Geometry.GVAToGPA(gva + uint64(off))
		if !ok {
			return fmt.Errorf("boot: guest address %#x out of range", gva+uint64(off))
		}
		if err := st.WriteAt(gpa, data[off:off+chunk]); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// reserveStack carves GuestStackSize bytes off the top of the guest's
// upper VA zone (the same TBrk watermark the mmap/munmap hypercalls
// consume from) and maps the slots backing it, returning the stack's
// top guest virtual address.
func reserveStack(m *machine.Machine) (topGVA uint64, err error) {
	top := m.Mem.TBrk
	bottom := top - guestmem.GuestStackSize
	if _, err := m.Mem.SetTBrk(bottom); err != nil {
		return 0, fmt.Errorf("boot: reserve stack: %w", err)
	}
	gpa, ok := m.Mem.Geometry.GVAToGPA(bottom)
	if !ok {
		return 0, fmt.Errorf("boot: stack watermark %#x out of range", bottom)
	}
	if err := m.Slots.GrowHigh(gpa); err != nil {
		return 0, fmt.Errorf("boot: grow stack slots: %w", err)
	}
	return top, nil
}

// buildInitialStack lays out the argc/argv/envp/auxv block Linux's ELF
// loader hands a freshly exec'd process, the same shape glibc's
// _start expects regardless of who built it. Returns the final guest
// stack pointer.
func buildInitialStack(m *machine.Machine, desc *payload.Descriptor, argv, envp []string) (uint64, error) {
	stackTop, err := reserveStack(m)
	if err != nil {
		return 0, err
	}

	var randBytes [16]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return 0, fmt.Errorf("boot: AT_RANDOM: %w", err)
	}

	// String area: argv strings, then envp strings, then the payload
	// path (AT_EXECFN), then the 16 AT_RANDOM bytes. Laid out as one
	// blob so offsets are computed once.
	var strs []byte
	strAt := func(s string) uint64 {
		off := uint64(len(strs))
		strs = append(strs, []byte(s)...)
		strs = append(strs, 0)
		return off
	}
	argvOff := make([]uint64, len(argv))
	for i, a := range argv {
		argvOff[i] = strAt(a)
	}
	envpOff := make([]uint64, len(envp))
	for i, e := range envp {
		envpOff[i] = strAt(e)
	}
	execfnOff := strAt(desc.Filename)
	randOff := uint64(len(strs))
	strs = append(strs, randBytes[:]...)

	const elf64PhdrSize = 56
	auxv := [][2]uint64{
		{atPhdr, 0},
		{atPhent, elf64PhdrSize},
		{atPhnum, uint64(len(desc.Phdrs))},
		{atPagesz, guestmem.PageSize},
		{atBase, desc.LoadAdjust},
		{atEntry, desc.EntryGVA},
		{atUID, 0},
		{atEUID, 0},
		{atGID, 0},
		{atEGID, 0},
		{atSecure, 0},
	}

	// Total vector-area size in 8-byte words: argc(1) + argv pointers +
	// NULL(1) + envp pointers + NULL(1) + one pair per auxv entry plus
	// the AT_EXECFN/AT_RANDOM/AT_NULL pairs this function appends
	// after it (3 extra pairs = 6 words).
	vectorWords := 1 + len(argv) + 1 + len(envp) + 1 + 2*len(auxv) + 6
	vectorSize := uint64(vectorWords * 8)
	stringsSize := uint64(len(strs))

	total := vectorSize + stringsSize
	total = (total + 15) &^ 15
	base := stackTop - total
	base &^= 15 // final guest stack pointer must be 16-byte aligned

	stringsBase := base + vectorSize

	buf := make([]byte, total)
	w := func(idx int, v uint64) { binary.LittleEndian.PutUint64(buf[idx*8:], v) }

	idx := 0
	w(idx, uint64(len(argv)))
	idx++
	for _, off := range argvOff {
		w(idx, stringsBase+off)
		idx++
	}
	w(idx, 0)
	idx++
	for _, off := range envpOff {
		w(idx, stringsBase+off)
		idx++
	}
	w(idx, 0)
	idx++
	for _, kv := range auxv {
		w(idx, kv[0])
		w(idx+1, kv[1])
		idx += 2
	}
	w(idx, atExecfn)
	w(idx+1, stringsBase+execfnOff)
	idx += 2
	w(idx, atRandom)
	w(idx+1, stringsBase+randOff)
	idx += 2
	w(idx, atNull)
	w(idx+1, 0)

	copy(buf[vectorSize:], strs)

	if err := writeGuestBytes(m.Slots, m.Mem, base, buf); err != nil {
		return 0, fmt.Errorf("boot: write initial stack: %w", err)
	}
	return base, nil
}
