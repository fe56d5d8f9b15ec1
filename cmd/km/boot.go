package main

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sv641/km/internal/kvmapi"
	"github.com/sv641/km/pkg/guestmem"
)

// bootPage layout within the reserved slot (slot 0, below
// guestmem.GuestMemStartVA so it never collides with payload/brk
// growth): GDT first, then the PML4 and PDPT tables, each page-aligned
// since the processor requires a 4KB-aligned table base.
const (
	bootGPA     = 0x1000
	gdtGPA      = bootGPA
	trampolineGPA = gdtGPA + 64 // 3 GDT entries use 24 bytes; plenty of room
	pml4GPA     = bootGPA + guestmem.PageSize
	pdptGPA     = bootGPA + 2*guestmem.PageSize
	bootRegionSize = 3 * guestmem.PageSize

	// hcallPortBase must match machine.VCPU.handleIO's hypercall port
	// window: syscall number N traps through port hcallPortBase+N.
	hcallPortBase = 0x8000
)

// sigreturnTrampolineCode is the guest code a handler's return address
// points at: write any 4-byte value (the rt_sigreturn hypercall
// ignores it, restoring state from what ksignal already recorded) to
// its hypercall port, then halt if somehow control falls through.
//
//	mov edx, hcallPortBase+SYS_rt_sigreturn
//	xor eax, eax
//	out dx, eax
//	hlt
func sigreturnTrampolineCode() []byte {
	port := uint32(hcallPortBase + unix.SYS_RT_SIGRETURN)
	code := []byte{0xBA, 0, 0, 0, 0, 0x31, 0xC0, 0xEF, 0xF4}
	binary.LittleEndian.PutUint32(code[1:5], port)
	return code
}

// encodeGDTEntry returns the 8-byte wire encoding of one descriptor.
// GDTEntry has no encoding method of its own (unlike PageTables, whose
// PML4Bytes/PDPTBytes encode its levels) so this
// does the same job with encoding/binary, field order matching the
// struct's declared order, which matches the processor's descriptor
// layout.
func encodeGDTEntry(e kvmapi.GDTEntry) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], e.LimitLow)
	binary.LittleEndian.PutUint16(buf[2:4], e.BaseLow)
	buf[4] = e.BaseMid
	buf[5] = e.AccessByte
	buf[6] = e.LimitHigh
	buf[7] = e.BaseHigh
	return buf
}

// installBootPage writes the long-mode GDT, the sigreturn trampoline
// and the identity page tables into the reserved slot, returning the
// guest-physical addresses every vCPU's SetEntry needs plus the
// trampoline's address for Machine.SigreturnGVA.
func installBootPage(st *guestmem.SlotTable) (gdtBase, pml4Addr, trampolineGVA uint64, err error) {
	mem, err := st.ReservedSlotRegion(guestmem.ReservedSlot, bootGPA, bootRegionSize)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("boot: reserve boot page: %w", err)
	}

	var gdt []byte
	for _, e := range kvmapi.LongModeEntries() {
		gdt = append(gdt, encodeGDTEntry(e)...)
	}
	copy(mem[gdtGPA-bootGPA:], gdt)
	copy(mem[trampolineGPA-bootGPA:], sigreturnTrampolineCode())

	pt := kvmapi.NewIdentityPageTables(pml4GPA, pdptGPA)
	copy(mem[pml4GPA-bootGPA:], pt.PML4Bytes())
	copy(mem[pdptGPA-bootGPA:], pt.PDPTBytes())

	return gdtGPA, pml4GPA, trampolineGPA, nil
}

// vvarVdsoSize and kmGuestMemSize bound the two monitor-owned reserved
// regions installReservedHelperPages maps: the vDSO/vvar page a
// payload's libc probes for fast clock_gettime, and a small scratch
// region this monitor's guest runtime helper code can use. Both stay
// well inside the 32KiB gap GuestKMGuestMemBaseVA leaves below it.
const (
	vvarVdsoSize   = 2 * guestmem.PageSize
	kmGuestMemSize = 4 * guestmem.PageSize
)

// installReservedHelperPages maps the vDSO/vvar page and the guest
// unikernel helper region into their fixed guest-virtual addresses via
// guestmem.Manager.MonitorPagesInGuest, the same reserved-slot
// mechanism installBootPage uses for the GDT/page-table page. Both
// regions are zero-filled: this monitor's guest ABI is hypercall-based,
// so there is no vDSO trampoline code to generate, but the address
// range still needs to resolve through GVAToKMA when a payload's libc
// probes it.
func installReservedHelperPages(mm *guestmem.Manager, st *guestmem.SlotTable) error {
	if _, err := mm.MonitorPagesInGuest(st, guestmem.VDSOSlot, guestmem.GuestVvarVdsoBaseVA, vvarVdsoSize); err != nil {
		return fmt.Errorf("boot: install vdso/vvar page: %w", err)
	}
	if _, err := mm.MonitorPagesInGuest(st, guestmem.KMGuestMemSlot, guestmem.GuestKMGuestMemBaseVA, kmGuestMemSize); err != nil {
		return fmt.Errorf("boot: install guest helper region: %w", err)
	}
	return nil
}
