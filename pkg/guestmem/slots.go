package guestmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sv641/km/internal/kvmapi"
)

// SlotTable owns the mmap'd host memory backing each populated guest
// physical memory region and keeps KVM's view (via SetUserMemoryRegion)
// in sync with it. Regions are added lazily as brk/tbrk grow, following
// the exponential geometry in Geometry.
type SlotTable struct {
	vmFD     int
	manager  *Manager
	regions  map[uint32][]byte // slot -> mmap'd host backing memory
}

func NewSlotTable(vmFD int, manager *Manager) *SlotTable {
	return &SlotTable{vmFD: vmFD, manager: manager, regions: map[uint32][]byte{}}
}

// GrowLow ensures all slots up to and including the one covering gpa
// are mapped and registered with KVM, growing the lower half of guest
// physical memory as brk advances.
func (st *SlotTable) GrowLow(gpa uint64) error {
	idx := st.manager.Geometry.GVAToMemregIdx(gpa)
	for i := 1; i <= idx; i++ {
		if err := st.ensureSlot(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

// GrowHigh ensures the slots backing the mirrored high VA zone down to
// tbrk are mapped, growing the upper half as tbrk recedes.
func (st *SlotTable) GrowHigh(gpa uint64) error {
	idx := st.manager.Geometry.GVAToMemregIdx(st.manager.Geometry.GPAToUpperGVA(gpa))
	for i := st.manager.Geometry.LastMemIdx; i >= idx; i-- {
		if err := st.ensureSlot(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

func (st *SlotTable) ensureSlot(slot uint32) error {
	if _, ok := st.regions[slot]; ok {
		return nil
	}
	idx := int(slot)
	size := st.manager.Geometry.MemregSize(idx)
	base := st.manager.Geometry.MemregBase(idx)

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("guestmem: mmap slot %d (%d bytes): %w", slot, size, err)
	}
	if err := kvmapi.SetUserMemoryRegion(st.vmFD, slot, base, size, uintptr(unsafe.Pointer(&mem[0]))); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("guestmem: register slot %d: %w", slot, err)
	}
	st.regions[slot] = mem
	return nil
}

// ShrinkLow releases any low-zone slots that are no longer needed once
// brk has moved down to gpa, giving their host memory back to the OS.
// Slots are only ever removed from the top of the low zone down to (but
// not including) the slot still covering gpa, mirroring GrowLow's
// direction in reverse.
func (st *SlotTable) ShrinkLow(gpa uint64) {
	keep := st.manager.Geometry.GVAToMemregIdx(gpa)
	for slot, mem := range st.regions {
		if slot == ReservedSlot || slot == VDSOSlot || slot == KMGuestMemSlot {
			continue
		}
		idx := int(slot)
		if idx > st.manager.Geometry.MidMemIdx || idx <= keep {
			continue
		}
		kvmapi.RemoveUserMemoryRegion(st.vmFD, slot, st.manager.Geometry.MemregBase(idx))
		unix.Munmap(mem)
		delete(st.regions, slot)
	}
}

// ShrinkHigh releases any high-zone slots no longer needed once tbrk
// has moved up (shrunk) to gpa, giving their host memory back to the
// OS. Mirrors ShrinkLow for the upper half of the address space.
func (st *SlotTable) ShrinkHigh(gpa uint64) {
	keep := st.manager.Geometry.GVAToMemregIdx(st.manager.Geometry.GPAToUpperGVA(gpa))
	for slot, mem := range st.regions {
		if slot == ReservedSlot || slot == VDSOSlot || slot == KMGuestMemSlot {
			continue
		}
		idx := int(slot)
		if idx <= st.manager.Geometry.MidMemIdx || idx >= keep {
			continue
		}
		kvmapi.RemoveUserMemoryRegion(st.vmFD, slot, st.manager.Geometry.MemregBase(idx))
		unix.Munmap(mem)
		delete(st.regions, slot)
	}
}

// EnsureSlotAt maps and registers whichever slot backs guest-physical
// address gpa, without the directional brk/tbrk growth GrowLow/GrowHigh
// enforce — used during snapshot restore, where regions are installed
// directly at their recorded addresses rather than grown incrementally.
func (st *SlotTable) EnsureSlotAt(gpa uint64) error {
	idx := st.manager.Geometry.GVAToMemregIdx(gpa)
	return st.ensureSlot(uint32(idx))
}

// WriteAt copies data into guest memory at guest-physical address gpa,
// mapping the backing slot first if necessary.
func (st *SlotTable) WriteAt(gpa uint64, data []byte) error {
	if err := st.EnsureSlotAt(gpa); err != nil {
		return err
	}
	idx := st.manager.Geometry.GVAToMemregIdx(gpa)
	base := st.manager.Geometry.MemregBase(idx)
	mem := st.regions[uint32(idx)]
	off := gpa - base
	if off+uint64(len(data)) > uint64(len(mem)) {
		return fmt.Errorf("guestmem: write at %#x (%d bytes) overruns slot %d", gpa, len(data), idx)
	}
	copy(mem[off:], data)
	return nil
}

// ReservedSlotRegion allocates and registers one of the fixed reserved
// slots (idmap/GDT bootstrap page, vDSO/vvar, guest unikernel helper
// memory) at a caller-supplied guest physical base.
func (st *SlotTable) ReservedSlotRegion(slot uint32, gpa uint64, size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap reserved slot %d: %w", slot, err)
	}
	if err := kvmapi.SetUserMemoryRegion(st.vmFD, slot, gpa, size, uintptr(unsafe.Pointer(&mem[0]))); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("guestmem: register reserved slot %d: %w", slot, err)
	}
	st.regions[slot] = mem
	return mem, nil
}

// Slice returns the host-memory slice backing gva, or nil if unmapped
// or if the range runs past the end of the slot backing gva.
func (st *SlotTable) Slice(gva uint64, length int) ([]byte, bool) {
	m := st.manager
	if m.IsVDSOGVA(gva) || m.IsKMGuestMemGVA(gva) {
		return unsafe.Slice((*byte)(unsafe.Pointer(m.GVAToKMANoCheck(gva))), length), true
	}
	gpa, ok := m.Geometry.GVAToGPA(gva)
	if !ok {
		return nil, false
	}
	idx := m.Geometry.GVAToMemregIdx(gva)
	mem, ok := st.regions[uint32(idx)]
	off := gpa - m.Geometry.MemregBase(idx)
	if !ok || off+uint64(length) > uint64(len(mem)) {
		return nil, false
	}
	return mem[off : off+uint64(length)], true
}

// LiveRegion is one populated slot's guest-physical base and backing
// bytes, as needed to emit a PT_LOAD segment on snapshot.
type LiveRegion struct {
	Slot  uint32
	GPA   uint64
	Bytes []byte
}

// LiveRegions returns every currently-mapped slot except those in
// exclude (the vDSO/vvar and guest-unikernel-helper reserved slots,
// which are rebuilt fresh on restore rather than snapshotted), ordered
// by slot index so a restore sees PT_LOAD segments in a deterministic
// order.
func (st *SlotTable) LiveRegions(exclude map[uint32]bool) []LiveRegion {
	var slots []uint32
	for slot := range st.regions {
		if exclude[slot] {
			continue
		}
		slots = append(slots, slot)
	}
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1] > slots[j]; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
	out := make([]LiveRegion, 0, len(slots))
	for _, slot := range slots {
		out = append(out, LiveRegion{
			Slot:  slot,
			GPA:   st.manager.Geometry.MemregBase(int(slot)),
			Bytes: st.regions[slot],
		})
	}
	return out
}

// Close unmaps every region registered with KVM.
func (st *SlotTable) Close() {
	for slot, mem := range st.regions {
		kvmapi.RemoveUserMemoryRegion(st.vmFD, slot, st.manager.Geometry.MemregBase(int(slot)))
		unix.Munmap(mem)
	}
	st.regions = map[uint32][]byte{}
}
