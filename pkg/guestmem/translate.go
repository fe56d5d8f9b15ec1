package guestmem

import "fmt"

// SlotMapping records where a reserved slot's backing memory lives in
// the monitor's own address space, so gva<->kma translation can find it.
type SlotMapping struct {
	UserspaceAddr uintptr
	Size          uint64
}

// Manager owns the geometry, brk/tbrk watermarks and the reserved-slot
// mappings (vDSO/vvar page, guest unikernel helper memory) needed to
// translate guest virtual addresses into this process's address space.
type Manager struct {
	Geometry *Geometry

	Brk  uint64
	TBrk uint64

	VvarVdsoSize uint64
	VDSOMapping  SlotMapping
	KMGuestMapping SlotMapping

	mmapRegions []*MmapRegion

	recoveryMode bool
}

// NewManager creates a Manager for a guest configured with the given
// maximum physical memory.
func NewManager(maxPhysMem uint64) *Manager {
	return &Manager{
		Geometry: NewGeometry(maxPhysMem),
		TBrk:     GuestMemTopVA,
	}
}

// IsVDSOGVA reports whether gva falls in the vDSO/vvar page.
func (m *Manager) IsVDSOGVA(gva uint64) bool {
	return gva >= GuestVvarVdsoBaseVA && gva < GuestVvarVdsoBaseVA+m.VvarVdsoSize
}

// IsKMGuestMemGVA reports whether gva falls in the guest unikernel helper region.
func (m *Manager) IsKMGuestMemGVA(gva uint64) bool {
	return gva >= GuestKMGuestMemBaseVA && gva < GuestKMGuestMemBaseVA+m.KMGuestMapping.Size
}

// GVAToKMANoCheck translates an address known to be valid.
func (m *Manager) GVAToKMANoCheck(gva uint64) uintptr {
	if m.IsVDSOGVA(gva) {
		return m.VDSOMapping.UserspaceAddr + uintptr(gva-GuestVvarVdsoBaseVA)
	}
	if m.IsKMGuestMemGVA(gva) {
		return m.KMGuestMapping.UserspaceAddr + uintptr(gva-GuestKMGuestMemBaseVA)
	}
	return uintptr(m.Geometry.GVAToGPANoCheck(gva))
}

// GVAToKMA translates gva, validating it against guest bounds and the
// brk/tbrk hole. Returns ok=false (Linux: would fault) if invalid.
//
// brk/tbrk are maintained to byte granularity but Linux enforces
// protection at page granularity, and memory can be "donated" into the
// malloc heap (e.g. by the dynamic linker) with the whole page treated
// as available even while brk points mid-page — so the boundary check
// below rounds brk up and tbrk down before rejecting the gap between them.
func (m *Manager) GVAToKMA(gva uint64) (uintptr, bool) {
	if m.IsVDSOGVA(gva) || m.IsKMGuestMemGVA(gva) {
		return m.GVAToKMANoCheck(gva), true
	}
	if gva < GuestMemStartVA || gva >= GuestMemTopVA {
		return 0, false
	}
	inHole := roundup(m.Brk, PageSize) <= gva && gva < rounddown(m.TBrk, PageSize) &&
		!m.IsVDSOGVA(gva) && !m.IsKMGuestMemGVA(gva)
	if inHole {
		return 0, false
	}
	return m.GVAToKMANoCheck(gva), true
}

// SetBrk sets the forward-growing (data segment) break. It moves in
// either direction: growing carves more of the brk/tbrk gap for the
// data segment, shrinking gives it back. Like Linux's brk(2), it never
// fails with an error return for an in-range request — the only
// failure mode is genuine exhaustion of the gap between brk and tbrk,
// reported by leaving brk unchanged and returning the prior value.
func (m *Manager) SetBrk(newBrk uint64) (uint64, error) {
	if newBrk < GuestMemStartVA {
		return m.Brk, fmt.Errorf("guestmem: brk %#x below guest memory start", newBrk)
	}
	if newBrk > rounddown(m.TBrk, PageSize) {
		return m.Brk, fmt.Errorf("guestmem: brk %#x would collide with tbrk %#x (out of memory)", newBrk, m.TBrk)
	}
	m.Brk = newBrk
	return m.Brk, nil
}

// SetTBrk sets the backward-growing mmap break (tbrk). It moves in
// either direction: downward as mmap regions are carved from the gap,
// upward as Munmap/DelayedMunmap give them back. The only failure mode
// is a request that would collide with brk (out of memory).
func (m *Manager) SetTBrk(newTBrk uint64) (uint64, error) {
	if newTBrk == 0 {
		return m.TBrk, nil
	}
	if newTBrk < roundup(m.Brk, PageSize) {
		return m.TBrk, fmt.Errorf("guestmem: tbrk %#x would collide with brk %#x (out of memory)", newTBrk, m.Brk)
	}
	if newTBrk > GuestMemTopVA {
		return m.TBrk, fmt.Errorf("guestmem: tbrk %#x exceeds guest memory top", newTBrk)
	}
	m.TBrk = newTBrk
	return m.TBrk, nil
}

// SetRecoveryMode toggles the flag consulted by the mmap bookkeeping
// layer: while a snapshot restore is in progress, region consolidation
// must be suppressed so a PT_LOAD's original mapping boundaries survive.
func (m *Manager) SetRecoveryMode(on bool) { m.recoveryMode = on }
func (m *Manager) RecoveryMode() bool      { return m.recoveryMode }

// ProtectionAdjust mimics Linux's mprotect semantics: PROT_WRITE implies
// PROT_READ, so a prot-adjust pass before an actual mprotect call keeps
// guest memory protection consistent with what the guest expects.
func ProtectionAdjust(prot int) int {
	const (
		protRead  = 0x1
		protWrite = 0x2
	)
	if prot&protWrite == protWrite {
		prot |= protRead
	}
	return prot
}
