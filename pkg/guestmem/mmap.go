package guestmem

import (
	"fmt"
	"unsafe"
)

// MmapRegion is one guest mmap allocation carved from the brk/tbrk
// gap: its guest-virtual range, protection/flags, and (if file-backed)
// the file it was mapped from. This monitor has no VMA tree, so
// regions are tracked in a flat slice rather than anything more
// elaborate — same bump-allocator shape the original simplified
// mmap path used, just with enough bookkeeping to make Munmap,
// Mremap and a snapshot's NT_FILE notes mean something real.
type MmapRegion struct {
	Base     uint64
	Size     uint64
	Prot     int
	Flags    int
	Filename string
	freed    bool
}

const (
	MapShared    = 0x1
	MapPrivate   = 0x2
	MapAnonymous = 0x20

	MremapMaymove = 0x1
)

// tbrkMover is satisfied by machine.VCPU: the mmap-family operations
// carve and give back guest address space by moving tbrk and
// growing/shrinking the KVM slots backing it, the same
// dependency-injection shape SetBrk's caller already uses for brk.
type tbrkMover interface {
	SetTBrk(newTBrk uint64) (uint64, error)
}

// relocator additionally exposes host-backed byte access, needed by a
// relocating Mremap: moving a region's guest address in this flat-GVA
// model means copying its live bytes to the new location rather than
// just rewriting page table entries.
type relocator interface {
	tbrkMover
	Slice(gva uint64, length int) ([]byte, bool)
}

// reservedSlotMapper is satisfied by *SlotTable.
type reservedSlotMapper interface {
	ReservedSlotRegion(slot uint32, gpa uint64, size uint64) ([]byte, error)
}

func (m *Manager) findRegion(addr uint64) *MmapRegion {
	for _, r := range m.mmapRegions {
		if !r.freed && addr >= r.Base && addr < r.Base+r.Size {
			return r
		}
	}
	return nil
}

// MmapRegions returns the currently live mmap regions, ordered the way
// they were carved (oldest first, so highest address first, since each
// one moves tbrk further down), for a snapshot's NT_FILE notes to walk.
func (m *Manager) MmapRegions() []MmapRegion {
	out := make([]MmapRegion, 0, len(m.mmapRegions))
	for _, r := range m.mmapRegions {
		if !r.freed {
			out = append(out, *r)
		}
	}
	return out
}

// Mmap carves length bytes off the top of the brk/tbrk gap, mirroring
// km_guest_mmap: this monitor has no free-list or VMA tree, so every
// call carves a fresh region by moving tbrk down by the page-rounded
// length, regardless of addr/fd. Anonymous and file-backed mappings
// are both represented the same way in guest memory (the payload
// loader already populates the flat identity-mapped address space
// directly); filename is recorded purely for snapshot/NT_FILE fidelity.
func (m *Manager) Mmap(mv tbrkMover, length uint64, prot, flags int, filename string) (uint64, error) {
	length = roundup(length, PageSize)
	if length == 0 {
		return 0, fmt.Errorf("guestmem: mmap: zero length")
	}
	newTBrk := m.TBrk - length
	if newTBrk <= roundup(m.Brk, PageSize) {
		return 0, fmt.Errorf("guestmem: mmap: out of memory")
	}
	if _, err := mv.SetTBrk(newTBrk); err != nil {
		return 0, err
	}
	m.mmapRegions = append(m.mmapRegions, &MmapRegion{
		Base: newTBrk, Size: length, Prot: prot, Flags: flags, Filename: filename,
	})
	return newTBrk, nil
}

// Munmap releases the region covering addr, mirroring km_guest_munmap.
// If addr happens to be the region sitting right at the current tbrk
// edge (the most recently carved one still live), its space is given
// back to the gap immediately; otherwise it is only marked freed, and
// DelayedMunmap is responsible for reclaiming it once it becomes the
// edge region — the same two-step shape km_delayed_munmap gives the
// original, since a hole in the middle of the gap can't be reclaimed
// without moving every region above it.
func (m *Manager) Munmap(mv tbrkMover, addr uint64, length uint64) error {
	r := m.findRegion(addr)
	if r == nil {
		return fmt.Errorf("guestmem: munmap: no region at %#x", addr)
	}
	r.freed = true
	return m.DelayedMunmap(mv)
}

// DelayedMunmap drains the freed-region list, reclaiming tbrk space
// for every freed region that has become contiguous with the current
// tbrk edge. Called right after Munmap and is also safe to call
// opportunistically at any vCPU idle point, the way the original combs
// its free list on every HLT-wait.
func (m *Manager) DelayedMunmap(mv tbrkMover) error {
	for {
		progressed := false
		for i, r := range m.mmapRegions {
			if r.freed && r.Base == m.TBrk {
				if _, err := mv.SetTBrk(m.TBrk + r.Size); err != nil {
					return err
				}
				m.mmapRegions = append(m.mmapRegions[:i], m.mmapRegions[i+1:]...)
				progressed = true
				break
			}
		}
		if !progressed {
			return nil
		}
	}
}

// Mremap implements km_guest_mremap's shrink and MREMAP_MAYMOVE-growth
// cases. Shrinking always succeeds in place (the freed tail is simply
// bookkeeping until DelayedMunmap can reach it); growing in place isn't
// supported since there's no guarantee of free space immediately above
// a region in a bump allocator, so a grow is serviced by mapping a
// fresh region, copying the live bytes across, and freeing the old one
// — legal only when the caller passed MREMAP_MAYMOVE, matching a real
// mremap's contract that a non-relocatable grow can fail.
func (m *Manager) Mremap(mv relocator, oldAddr, oldSize, newSize uint64, flags int) (uint64, error) {
	r := m.findRegion(oldAddr)
	if r == nil {
		return 0, fmt.Errorf("guestmem: mremap: no region at %#x", oldAddr)
	}
	newSize = roundup(newSize, PageSize)
	if newSize <= r.Size {
		if newSize < r.Size {
			m.mmapRegions = append(m.mmapRegions, &MmapRegion{Base: r.Base + newSize, Size: r.Size - newSize, freed: true})
		}
		r.Size = newSize
		return r.Base, nil
	}
	if flags&MremapMaymove == 0 {
		return 0, fmt.Errorf("guestmem: mremap: grow requires MREMAP_MAYMOVE in this monitor")
	}
	newBase, err := m.Mmap(mv, newSize, r.Prot, r.Flags, r.Filename)
	if err != nil {
		return 0, err
	}
	oldBytes, ok := mv.Slice(r.Base, int(r.Size))
	if !ok {
		return 0, fmt.Errorf("guestmem: mremap: source region at %#x unreadable", r.Base)
	}
	newBytes, ok := mv.Slice(newBase, int(newSize))
	if !ok {
		return 0, fmt.Errorf("guestmem: mremap: destination region at %#x unreadable", newBase)
	}
	copy(newBytes, oldBytes)
	r.freed = true
	if err := m.DelayedMunmap(mv); err != nil {
		return 0, err
	}
	return newBase, nil
}

// Mprotect updates the tracked protection for the region covering
// addr, kept in step with the real host-level mprotect the hypercall
// layer performs against the backing memory.
func (m *Manager) Mprotect(addr uint64, prot int) error {
	if r := m.findRegion(addr); r != nil {
		r.Prot = prot
	}
	return nil
}

// Madvise is bookkeeping-only: advice like MADV_DONTNEED changes the
// host's memory accounting for the backing slot, never which guest
// region owns an address, so there is nothing to track here beyond
// existing as a real operation a caller can route through.
func (m *Manager) Madvise(addr uint64, length uint64, advice int) error {
	return nil
}

// Msync is a no-op the same way Madvise is: this monitor's mmap
// regions are never actually file-backed at the host-memory level (the
// payload loader already populated guest memory directly), so there is
// no dirty-page writeback to perform.
func (m *Manager) Msync(addr uint64, length uint64, flags int) error {
	return nil
}

// IsGvaAccessible reports whether the whole [addr, addr+length) range
// is currently backed by valid guest memory and, if prot is non-zero,
// that an overlapping tracked mmap region allows at least those
// protection bits — the monitor-side equivalent of
// km_is_gva_accessable, used before a hypercall touches guest memory
// it didn't itself translate one pointer at a time.
func (m *Manager) IsGvaAccessible(addr uint64, length uint64, prot int) bool {
	if length == 0 {
		return true
	}
	end := addr + length
	for gva := rounddown(addr, PageSize); gva < end; gva += PageSize {
		if _, ok := m.GVAToKMA(gva); !ok {
			return false
		}
	}
	if prot == 0 {
		return true
	}
	if r := m.findRegion(rounddown(addr, PageSize)); r != nil {
		return r.Prot&prot == prot
	}
	return true
}

// SetFilename tags every tracked mmap region overlapping [base, limit)
// with filename, the Go analogue of km_mmap_set_filename, so a later
// snapshot's NT_FILE notes can record the real backing file instead of
// a synthetic placeholder name.
func (m *Manager) SetFilename(base, limit uint64, filename string) {
	for _, r := range m.mmapRegions {
		if r.Base < limit && base < r.Base+r.Size {
			r.Filename = filename
		}
	}
}

// FilenameAt returns the filename tagged on the mmap region overlapping
// [gpaStart, gpaEnd), if any — used when a snapshot is deciding what to
// name a PT_LOAD's NT_FILE entry.
func (m *Manager) FilenameAt(gpaStart, gpaEnd uint64) (string, bool) {
	for _, r := range m.mmapRegions {
		base := m.Geometry.GVAToGPANoCheck(r.Base)
		if r.Filename != "" && base < gpaEnd && gpaStart < base+r.Size {
			return r.Filename, true
		}
	}
	return "", false
}

// MonitorPagesInGuest installs one of the monitor-owned pages (the
// vDSO/vvar page or the guest unikernel helper region) at gva, the Go
// analogue of km_monitor_pages_in_guest: unlike guest mmap/brk
// allocations, these are backed directly by monitor memory via a
// reserved KVM slot and stay mapped for the guest's entire life.
func (m *Manager) MonitorPagesInGuest(st reservedSlotMapper, slot uint32, gva uint64, size uint64) ([]byte, error) {
	mem, err := st.ReservedSlotRegion(slot, gva, size)
	if err != nil {
		return nil, err
	}
	mapping := SlotMapping{UserspaceAddr: uintptr(unsafe.Pointer(&mem[0])), Size: size}
	switch slot {
	case VDSOSlot:
		m.VvarVdsoSize = size
		m.VDSOMapping = mapping
	case KMGuestMemSlot:
		m.KMGuestMapping = mapping
	}
	return mem, nil
}
