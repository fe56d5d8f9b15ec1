// Package guestmem implements the monitor's guest physical/virtual
// memory geometry: the exponentially sized slot table KVM memory
// regions are carved from, brk/tbrk watermarks, and gva<->kma
// translation.
package guestmem

import "math/bits"

const (
	PageSize = 0x1000
	KiB      = 0x400
	MiB      = 0x100000
	GiB      = 0x40000000

	// GuestMemStartVA is the lowest valid guest virtual address; below
	// it is reserved for the identity-mapped bootstrap page tables.
	GuestMemStartVA uint64 = 2 * MiB

	// GuestPrivateMemStartVA begins the "upper" VA zone mirrored above
	// the lower zone, used for the vDSO/vvar page and guest runtime
	// helper memory that must not collide with guest brk/mmap space.
	GuestPrivateMemStartVA uint64 = 512 * GiB

	// GuestMemTopVA is the ceiling for guest virtual addresses (non-high-gva build).
	GuestMemTopVA uint64 = 512*GiB - GuestMemStartVA

	GuestVvarVdsoBaseVA uint64 = GuestPrivateMemStartVA
	GuestKMGuestMemBaseVA uint64 = GuestPrivateMemStartVA + 32*KiB

	// Reserved slot indices in the KVM memory-region table.
	ReservedSlot     = 0
	VDSOSlot         = 41
	KMGuestMemSlot   = 42

	GuestStackSize = 2 * MiB
	GuestArgMax    = 32 * PageSize
)

// Geometry computes the exponential memory-slot layout for a given
// maximum guest physical memory size. Regions start at 2MB at the
// bottom of the address space, double in size moving up, and mirror
// back down to 1MB at the top, so KVM never has to track an
// unreasonable number of slots for large guests.
type Geometry struct {
	MaxPhysMem  uint64
	MidMemIdx   int
	LastMemIdx  int
}

// NewGeometry derives MidMemIdx/LastMemIdx from maxPhysMem. The split
// point is the region index covering the midpoint of the address
// space; the table is symmetric around it.
func NewGeometry(maxPhysMem uint64) *Geometry {
	g := &Geometry{MaxPhysMem: maxPhysMem}
	g.MidMemIdx = MemIdx(maxPhysMem / 2)
	g.LastMemIdx = 2 * g.MidMemIdx
	return g
}

// MemIdx returns the region index for an address in the bottom half
// of physical memory, based on its leading-zero count.
func MemIdx(addr uint64) int {
	if addr == 0 {
		panic("guestmem: MemIdx(0)")
	}
	// 43 == 1 + leadingZeros(2*MiB), so 2MiB maps to slot 1
	return 43 - bits.LeadingZeros64(addr)
}

// GuestVAOffset is the shift applied to addresses in the upper VA
// zone to bring them into guest-physical space: gva = gpa + offset.
func (g *Geometry) GuestVAOffset() uint64 {
	return GuestMemTopVA + GuestMemStartVA - g.MaxPhysMem
}

// GVAToGPANoCheck adjusts a high-zone gva down into guest-physical space.
func (g *Geometry) GVAToGPANoCheck(gva uint64) uint64 {
	if gva > g.GuestVAOffset() {
		return gva - g.GuestVAOffset()
	}
	return gva
}

// GVAToGPA is GVAToGPANoCheck with a range assertion matching the
// original's two valid VA zones.
func (g *Geometry) GVAToGPA(gva uint64) (uint64, bool) {
	offset := g.GuestVAOffset()
	lowZone := gva >= GuestMemStartVA-1 && gva < g.MaxPhysMem
	highZone := gva >= offset && gva <= GuestMemTopVA
	if !lowZone && !highZone {
		return 0, false
	}
	return g.GVAToGPANoCheck(gva), true
}

// GPAToUpperGVA converts a guest-physical address in the "donated"
// upper region back to its mirrored virtual address.
func (g *Geometry) GPAToUpperGVA(gpa uint64) uint64 {
	return gpa + g.GuestVAOffset()
}

// GVAToMemregIdx returns the slot index backing a guest virtual address.
func (g *Geometry) GVAToMemregIdx(gva uint64) int {
	gpa, _ := g.GVAToGPA(gva)
	if gpa > g.memMid() {
		return g.LastMemIdx - MemIdx(g.MaxPhysMem-gpa-1)
	}
	return MemIdx(gpa)
}

func (g *Geometry) memMid() uint64 {
	return g.MemregBase(g.MidMemIdx)
}

// MemregBase returns the guest-physical base address of slot idx.
func (g *Geometry) MemregBase(idx int) uint64 {
	if idx <= g.MidMemIdx {
		return MiB << uint(idx)
	}
	return g.MaxPhysMem - g.MemregTop(g.LastMemIdx-idx)
}

// MemregTop returns the guest-physical address just past slot idx.
func (g *Geometry) MemregTop(idx int) uint64 {
	if idx <= g.MidMemIdx {
		return (MiB << 1) << uint(idx)
	}
	return g.MaxPhysMem - g.MemregBase(g.LastMemIdx-idx)
}

// MemregSize returns the byte size of slot idx.
func (g *Geometry) MemregSize(idx int) uint64 {
	if idx <= g.MidMemIdx {
		return MiB << uint(idx)
	}
	return MiB << uint(g.LastMemIdx-idx)
}

func roundup(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func rounddown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
