package hypercall

import (
	"fmt"
	"os"

	"github.com/sv641/km/pkg/guestmem"
)

// tbrkSetter is implemented by machine.VCPU; mmap/munmap carve guest
// allocations out of the brk/tbrk gap by moving tbrk, the same
// bookkeeping-only move brk itself gets.
type tbrkSetter interface {
	SetTBrk(newTBrk uint64) (uint64, error)
}

// relocatorVCPU additionally exposes host-backed byte access, the
// machine.VCPU-side half of guestmem.relocator's contract: a relocating
// mremap needs to copy a region's live bytes to its new guest address.
type relocatorVCPU interface {
	tbrkSetter
	Slice(gva uint64, length int) ([]byte, bool)
}

// eNoMem/eInval are vars, not consts, for the same reason efault is in
// args.go: negative constants can't convert to uint64.
var (
	eNoMem int64 = -12
	eInval int64 = -22
)

// mmapFilename resolves fd to the path it was opened from via
// /proc/self/fd, so a tracked mmap region can carry the same filename a
// snapshot's NT_FILE note wants to report. Guest-visible fds are host
// fds forwarded directly (openatHcall passes them straight through), so
// this is exactly the same trick lsof and friends use, not a
// monitor-specific fd table. Returns "" for anonymous mappings or when
// the fd can't be resolved.
func mmapFilename(fd int64, flags int) string {
	if flags&guestmem.MapAnonymous != 0 || fd < 0 {
		return ""
	}
	target, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return ""
	}
	return target
}

// newMmapHcall: void *mmap(void *addr, size_t length, int prot, int
// flags, int fd, off_t offset).
//
// Delegates to guestmem.Manager.Mmap, which carves the region off the
// top of the brk/tbrk gap and tracks it so munmap/mremap/a later
// snapshot have something real to act on; addr and offset are ignored
// the same way the bump allocator always ignored them, since this
// monitor's guest address space is already flat-mapped by the payload
// loader rather than demand-paged per mmap call.
func newMmapHcall(mm *guestmem.Manager) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		t, ok := vcpu.(tbrkSetter)
		if !ok || mm == nil {
			args.Ret = uint64(eInval)
			return false, 0
		}
		flags := int(args.Arg4)
		filename := mmapFilename(int64(int32(args.Arg5)), flags)
		addr, err := mm.Mmap(t, args.Arg2, int(args.Arg3), flags, filename)
		if err != nil {
			args.Ret = uint64(eNoMem)
			return false, 0
		}
		args.Ret = addr
		return false, 0
	}
}

// newMunmapHcall: int munmap(void *addr, size_t length).
//
// Delegates to guestmem.Manager.Munmap, which marks the covering region
// freed and immediately runs DelayedMunmap to reclaim tbrk space for it
// and any other freed region that has become contiguous with the
// current edge.
func newMunmapHcall(mm *guestmem.Manager) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		t, ok := vcpu.(tbrkSetter)
		if !ok || mm == nil {
			args.Ret = uint64(eInval)
			return false, 0
		}
		if err := mm.Munmap(t, args.Arg1, args.Arg2); err != nil {
			args.Ret = uint64(eInval)
			return false, 0
		}
		args.Ret = 0
		return false, 0
	}
}

// newMprotectHcall: int mprotect(void *addr, size_t len, int prot).
//
// Passed through as a host mprotect on the translated range so a guest
// that actually relies on page protection (e.g. marking a JIT buffer
// executable) gets real enforcement; guestmem.ProtectionAdjust mirrors
// the kernel's implicit PROT_WRITE -> PROT_READ rule first. The tracked
// region's protection bits are only updated once the host call actually
// succeeds, keeping guestmem.Manager's bookkeeping in step with reality.
func newMprotectHcall(mm *guestmem.Manager) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		addr, err := gvaToKML(vcpu, args.Arg1)
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		prot := guestmem.ProtectionAdjust(int(args.Arg3))
		args.Ret = rawSyscall3(syscallNo, addr, args.Arg2, uint64(prot))
		if mm != nil && int64(args.Ret) == 0 {
			mm.Mprotect(args.Arg1, prot)
		}
		return false, 0
	}
}

// newMremapHcall: void *mremap(void *old_address, size_t old_size,
// size_t new_size, int flags).
//
// Delegates to guestmem.Manager.Mremap: shrinking always succeeds in
// place, growing requires MREMAP_MAYMOVE and is serviced by carving a
// fresh region and copying the live bytes across, since the bump
// allocator gives no guarantee of free space immediately above a region.
func newMremapHcall(mm *guestmem.Manager) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		r, ok := vcpu.(relocatorVCPU)
		if !ok || mm == nil {
			args.Ret = uint64(eInval)
			return false, 0
		}
		newAddr, err := mm.Mremap(r, args.Arg1, args.Arg2, args.Arg3, int(args.Arg4))
		if err != nil {
			args.Ret = uint64(eNoMem)
			return false, 0
		}
		args.Ret = newAddr
		return false, 0
	}
}

// newMadviseHcall: int madvise(void *addr, size_t length, int advice).
// Passed straight through to the host; advice like MADV_DONTNEED only
// affects the host's memory accounting for the backing mmap, never the
// guest-visible contents, so guestmem.Manager.Madvise has nothing to
// track beyond existing as a real call site for this to route through.
func newMadviseHcall(mm *guestmem.Manager) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		addr, err := gvaToKML(vcpu, args.Arg1)
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		args.Ret = rawSyscall3(syscallNo, addr, args.Arg2, args.Arg3)
		if mm != nil {
			mm.Madvise(args.Arg1, args.Arg2, int(args.Arg3))
		}
		return false, 0
	}
}

// newMsyncHcall: int msync(void *addr, size_t length, int flags).
// Passed straight through; this monitor's guest memory is anonymous
// (never file-backed at the host level), so the real msync is a cheap
// no-op on the host side, same as guestmem.Manager.Msync is on the
// tracked side.
func newMsyncHcall(mm *guestmem.Manager) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		addr, err := gvaToKML(vcpu, args.Arg1)
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		args.Ret = rawSyscall3(syscallNo, addr, args.Arg2, args.Arg3)
		if mm != nil {
			mm.Msync(args.Arg1, args.Arg2, int(args.Arg3))
		}
		return false, 0
	}
}
