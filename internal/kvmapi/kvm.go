// Package kvmapi wraps the /dev/kvm ioctl surface this monitor needs:
// VM and vCPU lifecycle, guest memory slots, register access and the
// mmap'd kvm_run page used to read exit reasons.
package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers from <linux/kvm.h>, encoded the standard Linux way
// (_IO/_IOR/_IOW/_IOWR with magic 0xAE).
const (
	kvmIoctlMagic = 0xAE

	KVM_GET_API_VERSION        = 0xAE00
	KVM_CREATE_VM              = 0xAE01
	KVM_GET_VCPU_MMAP_SIZE     = 0xAE04
	KVM_CREATE_VCPU            = 0xAE41
	KVM_SET_USER_MEMORY_REGION = 0x4020AE46
	KVM_RUN                    = 0xAE80
	KVM_GET_REGS               = 0x8090AE81
	KVM_SET_REGS               = 0x4090AE82
	KVM_GET_SREGS              = 0x8138AE83
	KVM_SET_SREGS              = 0x4138AE84
	KVM_INTERRUPT              = 0x4004AE86
	KVM_GET_XSAVE              = 0x9000AEA4
	KVM_SET_XSAVE              = 0x5000AEA5

	// Exit reasons, KVM_EXIT_*.
	ExitUnknown    = 0
	ExitException  = 1
	ExitIO         = 2
	ExitHypercall  = 3
	ExitDebug      = 4
	ExitHlt        = 5
	ExitMmio       = 6
	ExitIrqWindow  = 7
	ExitShutdown   = 8
	ExitFailEntry  = 9
	ExitIntr       = 10
	ExitInternal   = 17

	IOIn  = 0
	IOOut = 1
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT pointer).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Regs mirrors struct kvm_regs (general purpose registers).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Sregs mirrors struct kvm_sregs (segment + control registers).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// RunIO mirrors the `io` member of the kvm_run exit-reason union.
type RunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// RunMMIO mirrors the `mmio` member of the kvm_run exit-reason union.
type RunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// Run is the header of the mmap'd kvm_run page. Only the fields this
// monitor inspects are named; the remainder of the page (the exit-reason
// union and the coalesced-MMIO ring) is accessed via raw offsets into
// the mmap'd byte slice, same as the kernel ABI requires.
type Run struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	union                  [256]byte
}

const runUnionOffset = 32 // offset of the exit-reason union within Run

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// OpenDevice opens /dev/kvm.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/kvm: %w", err)
	}
	return fd, nil
}

// CreateVM issues KVM_CREATE_VM on the system fd.
func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return int(fd), nil
}

// CreateVCPU issues KVM_CREATE_VCPU for the given vCPU index.
func CreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return int(fd), nil
}

// GetVCPUMMapSize returns the size to mmap on a vCPU fd for kvm_run.
func GetVCPUMMapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(sz), nil
}

// SetUserMemoryRegion installs or updates a guest physical memory slot.
func SetUserMemoryRegion(vmFD int, slot uint32, gpa, size uint64, hostAddr uintptr) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	if _, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION(slot=%d): %w", slot, err)
	}
	return nil
}

// RemoveUserMemoryRegion deregisters slot by installing it with size 0.
func RemoveUserMemoryRegion(vmFD int, slot uint32, gpa uint64) error {
	return SetUserMemoryRegion(vmFD, slot, gpa, 0, 0)
}

func GetRegs(vcpuFD int) (*Regs, error) {
	var regs Regs
	if _, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return &regs, nil
}

func SetRegs(vcpuFD int, regs *Regs) error {
	if _, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

func GetSregs(vcpuFD int) (*Sregs, error) {
	var sregs Sregs
	if _, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return &sregs, nil
}

func SetSregs(vcpuFD int, sregs *Sregs) error {
	if _, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// XSaveSize is struct kvm_xsave's Region field length: 1024 32-bit
// words, sized for the largest XSAVE area the host CPU could produce.
// The monitor never interprets the contents, just round-trips it.
const XSaveSize = 1024

// XSave mirrors struct kvm_xsave: an opaque save area for the FPU,
// SSE and AVX extended state KVM_GET_REGS/KVM_SET_REGS don't cover.
type XSave struct {
	Region [XSaveSize]uint32
}

// GetXSave reads a vCPU's extended FPU/SSE/AVX state.
func GetXSave(vcpuFD int) (*XSave, error) {
	var xsave XSave
	if _, err := ioctl(vcpuFD, KVM_GET_XSAVE, uintptr(unsafe.Pointer(&xsave))); err != nil {
		return nil, fmt.Errorf("KVM_GET_XSAVE: %w", err)
	}
	return &xsave, nil
}

// SetXSave restores a vCPU's extended FPU/SSE/AVX state.
func SetXSave(vcpuFD int, xsave *XSave) error {
	if _, err := ioctl(vcpuFD, KVM_SET_XSAVE, uintptr(unsafe.Pointer(xsave))); err != nil {
		return fmt.Errorf("KVM_SET_XSAVE: %w", err)
	}
	return nil
}

// RunOnce issues KVM_RUN. EINTR is not an error: a pending host signal
// (used to stop a vCPU cooperatively) interrupts the ioctl and the
// caller is expected to just retry or re-check state.
func RunOnce(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	if err == unix.EINTR {
		return nil
	}
	return err
}

// MmapRun maps the kvm_run page for a vCPU fd.
func MmapRun(vcpuFD int, size int) ([]byte, error) {
	data, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	return data, nil
}

// ExitReason reads the exit reason from a mapped kvm_run page.
func ExitReason(run []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&run[8]))
}

// IOExit decodes the `io` union member and returns a slice aliasing the
// per-op data buffer inside the kvm_run page.
func IOExit(run []byte) (RunIO, []byte) {
	io := *(*RunIO)(unsafe.Pointer(&run[runUnionOffset]))
	data := run[io.DataOffset : io.DataOffset+uint64(io.Size)*uint64(io.Count)]
	return io, data
}

// MMIOExit decodes the `mmio` union member.
func MMIOExit(run []byte) *RunMMIO {
	return (*RunMMIO)(unsafe.Pointer(&run[runUnionOffset]))
}

// FailEntryHWReason reads the fail_entry.hardware_entry_failure_reason field.
func FailEntryHWReason(run []byte) uint64 {
	return *(*uint64)(unsafe.Pointer(&run[runUnionOffset]))
}
