package machine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sv641/km/internal/kvmapi"
)

// SigVCPUStop is the signal used to interrupt a vCPU thread blocked in
// the KVM_RUN ioctl so it can notice a pause or stop request; the run
// loop treats the resulting EINTR as a wake-up. 34 is SIGRTMIN on
// glibc/Linux. This package installs no handler for it and does not
// call signal.Notify for it.
const SigVCPUStop = unix.Signal(34)

// VCPU is one virtual CPU: its KVM fd, the mmap'd kvm_run page, and
// the thread-local pause/stop control state the owning OS thread polls
// between KVM_RUN calls.
type VCPU struct {
	id  int
	fd  int
	vm  *Machine
	run []byte

	tid int32 // OS thread id, set once the run loop locks its thread

	pauseRequested int32
	paused         int32
	pauseCond      *sync.Cond
	pauseMu        sync.Mutex

	stopRequested int32

	// SigMask is this vCPU's signal mask (km_sigset_t equivalent),
	// consulted by the signal engine when choosing what to deliver.
	SigMask uint64

	// StackTop and GuestThr are the guest-virtual top-of-stack and TLS
	// base this vCPU last started running with, captured for the
	// NT_KM_VCPU snapshot note rather than re-derived from live
	// registers (a paused vCPU's RSP has already moved).
	StackTop uint64
	GuestThr uint64

	// SetChildTID/ClearChildTID are the guest addresses set_tid_address
	// and clone's ctid argument install; ClearChildTID is where a real
	// kernel would zero the TID and futex-wake on thread exit, kept
	// here purely for snapshot round-trip fidelity since this monitor
	// has no thread-exit path that consults it.
	SetChildTID   uint64
	ClearChildTID uint64

	// AltStackSP/AltStackFlags/AltStackSize/OnSigaltstack are the
	// sigaltstack(2) descriptor.
	AltStackSP    uint64
	AltStackFlags uint64
	AltStackSize  uint64
	OnSigaltstack bool

	// MapselfBase/MapselfSize describe the guest-virtual span of the
	// payload's own loaded ELF image, the vcpu model's mapself_base/
	// mapself_size fields.
	MapselfBase uint64
	MapselfSize uint64

	// IsUsed reports whether this vCPU slot is live. It is set at
	// creation and cleared once the vCPU's run loop is asked to stop,
	// mirroring km_vcpu_t.is_used's role in the original's fixed vCPU
	// pool (this engine grows its vcpus slice instead of reusing slots,
	// but the field still carries real information for a snapshot).
	IsUsed bool
}

func newVCPU(m *Machine, id int) (*VCPU, error) {
	fd, err := kvmapi.CreateVCPU(m.vmFD, id)
	if err != nil {
		return nil, err
	}
	mmapSize, err := kvmapi.GetVCPUMMapSize(m.kvmFD)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	run, err := kvmapi.MmapRun(fd, mmapSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	v := &VCPU{id: id, fd: fd, vm: m, run: run, IsUsed: true}
	v.pauseCond = sync.NewCond(&v.pauseMu)
	return v, nil
}

func (v *VCPU) ID() int { return v.id }

// SetEntry installs the initial long-mode register state: RIP at the
// payload entry point, RSP at the top of its stack, and the flat
// 64-bit code/data segment selectors built by internal/kvmapi.
func (v *VCPU) SetEntry(entryGVA, stackGVA uint64, gdtBase uint64, pml4Addr uint64) error {
	sregs, err := kvmapi.GetSregs(v.fd)
	if err != nil {
		return err
	}
	flat := func(selector uint16, execute bool) kvmapi.Segment {
		s := kvmapi.Segment{
			Base: 0, Limit: 0xFFFFFFFF, Selector: selector,
			Present: 1, DB: 0, S: 1, L: 1, G: 1,
		}
		if execute {
			s.Type = 0xB // execute/read, accessed
		} else {
			s.Type = 0x3 // read/write, accessed
		}
		return s
	}
	sregs.CS = flat(8, true)
	sregs.DS = flat(16, false)
	sregs.ES, sregs.FS, sregs.GS, sregs.SS = sregs.DS, sregs.DS, sregs.DS, sregs.DS
	sregs.GDT = kvmapi.DTable{Base: gdtBase, Limit: 3*8 - 1}
	sregs.CR3 = pml4Addr
	sregs.CR4 = kvmapi.CR4PAE
	sregs.CR0 = kvmapi.CR0PE | kvmapi.CR0PG
	sregs.EFER = kvmapi.EFERLME | kvmapi.EFERLMA
	if err := kvmapi.SetSregs(v.fd, sregs); err != nil {
		return err
	}
	v.StackTop = stackGVA
	return kvmapi.SetRegs(v.fd, &kvmapi.Regs{
		RIP:    entryGVA,
		RSP:    stackGVA,
		RFLAGS: 0x2,
	})
}

// AltStack returns the currently installed alternate signal stack
// descriptor.
func (v *VCPU) AltStack() (sp, flags, size uint64, onStack bool) {
	return v.AltStackSP, v.AltStackFlags, v.AltStackSize, v.OnSigaltstack
}

// SetAltStack installs a new alternate signal stack descriptor.
// SS_DISABLE clears it, matching sigaltstack(2)'s semantics.
func (v *VCPU) SetAltStack(sp, flags, size uint64) error {
	const ssDisable = 2
	if flags&ssDisable != 0 {
		v.AltStackSP, v.AltStackFlags, v.AltStackSize = 0, ssDisable, 0
		return nil
	}
	v.AltStackSP, v.AltStackFlags, v.AltStackSize = sp, flags, size
	return nil
}

// SetOnSigaltstack toggles whether this vCPU is currently executing a
// handler on its alternate signal stack, independent of the stack
// descriptor itself: a guest handler runs and returns without ever
// calling sigaltstack(2) again, so buildGuestHandlerFrame/
// restoreFromSigreturn need to flip this without touching AltStackSP/
// AltStackFlags/AltStackSize.
func (v *VCPU) SetOnSigaltstack(on bool) { v.OnSigaltstack = on }

// SetClearChildTID records the guest address set_tid_address installed
// for this vCPU's thread-exit notification.
func (v *VCPU) SetClearChildTID(gva uint64) { v.ClearChildTID = gva }

// SetMapself records the guest-virtual span of the payload's own
// loaded ELF image.
func (v *VCPU) SetMapself(base, size uint64) { v.MapselfBase, v.MapselfSize = base, size }

// Regs fetches current general-purpose register state.
func (v *VCPU) Regs() (*kvmapi.Regs, error) { return kvmapi.GetRegs(v.fd) }

// SetRegs installs general-purpose register state.
func (v *VCPU) SetRegs(r *kvmapi.Regs) error { return kvmapi.SetRegs(v.fd, r) }

// Sregs fetches current segment/control register state.
func (v *VCPU) Sregs() (*kvmapi.Sregs, error) { return kvmapi.GetSregs(v.fd) }

// SetSregs installs segment/control register state.
func (v *VCPU) SetSregs(s *kvmapi.Sregs) error { return kvmapi.SetSregs(v.fd, s) }

// XSave fetches the vCPU's extended FPU/SSE/AVX state, for a snapshot
// that wants to resume a guest mid-floating-point-computation exactly.
func (v *VCPU) XSave() (*kvmapi.XSave, error) { return kvmapi.GetXSave(v.fd) }

// SetXSave installs extended FPU/SSE/AVX state.
func (v *VCPU) SetXSave(x *kvmapi.XSave) error { return kvmapi.SetXSave(v.fd, x) }

// GVAToKMA resolves a guest virtual address via the machine's memory
// manager, for hypercall argument translation.
func (v *VCPU) GVAToKMA(gva uint64) (uintptr, bool) { return v.vm.Mem.GVAToKMA(gva) }

// SetBrk forwards to the machine's guest memory manager and grows the
// backing KVM memory slots to cover the new break; the brk hypercall
// has no real host syscall equivalent, it is pure bookkeeping plus
// the memory registration Linux's own brk(2) gets for free from the
// kernel's page fault handler.
func (v *VCPU) SetBrk(newBrk uint64) (uint64, error) {
	prev := v.vm.Mem.Brk
	b, err := v.vm.Mem.SetBrk(newBrk)
	if err != nil {
		return b, err
	}
	if b < prev {
		v.vm.Slots.ShrinkLow(b)
		return b, nil
	}
	if err := v.vm.Slots.GrowLow(b); err != nil {
		return b, fmt.Errorf("vcpu %d: grow brk slots: %w", v.id, err)
	}
	return b, nil
}

// SetTBrk forwards to the machine's guest memory manager and grows the
// backing KVM memory slots for the new mmap-area watermark. Used by
// the mmap/munmap hypercalls, which carve guest "mmap" allocations out
// of the gap between Brk and TBrk by moving TBrk down.
func (v *VCPU) SetTBrk(newTBrk uint64) (uint64, error) {
	prev := v.vm.Mem.TBrk
	t, err := v.vm.Mem.SetTBrk(newTBrk)
	if err != nil {
		return t, err
	}
	gpa, ok := v.vm.Mem.Geometry.GVAToGPA(t)
	if !ok {
		return t, fmt.Errorf("vcpu %d: tbrk %#x out of range", v.id, t)
	}
	if t > prev {
		v.vm.Slots.ShrinkHigh(gpa)
		return t, nil
	}
	if err := v.vm.Slots.GrowHigh(gpa); err != nil {
		return t, fmt.Errorf("vcpu %d: grow tbrk slots: %w", v.id, err)
	}
	return t, nil
}

// Slice exposes the host bytes backing a guest-virtual range, needed
// by a relocating guestmem.Mremap to copy a region's live contents to
// its new address.
func (v *VCPU) Slice(gva uint64, length int) ([]byte, bool) { return v.vm.Slots.Slice(gva, length) }

// GVAToKMANoCheck resolves an address already known to be valid (e.g.
// one derived from the vCPU's own current RSP), skipping the
// brk/tbrk-hole bounds check GVAToKMA performs.
func (v *VCPU) GVAToKMANoCheck(gva uint64) uintptr { return v.vm.Mem.GVAToKMANoCheck(gva) }

// SpawnVCPU delegates to the owning Machine so the clone hypercall
// handler, which only ever sees a *VCPU (not the Machine itself), can
// still bring up a sibling vCPU for the cloned guest thread.
func (v *VCPU) SpawnVCPU() (*VCPU, error) { return v.vm.SpawnVCPU() }

// SigreturnTrampoline returns the guest VA of the tiny stub the
// payload loader places in guest memory to invoke the rt_sigreturn
// hypercall; signal frames point their return address at it.
func (v *VCPU) SigreturnTrampoline() uint64 { return v.vm.SigreturnGVA }

// IsPaused reports whether this vCPU's run loop is currently blocked at
// a pause point, for a snapshot's NT_KM_VCPU note.
func (v *VCPU) IsPaused() bool { return atomic.LoadInt32(&v.paused) != 0 }

func (v *VCPU) requestPause() { atomic.StoreInt32(&v.pauseRequested, 1) }

func (v *VCPU) resume() {
	atomic.StoreInt32(&v.pauseRequested, 0)
	v.pauseMu.Lock()
	v.paused = 0
	v.pauseCond.Broadcast()
	v.pauseMu.Unlock()
	v.interrupt()
}

func (v *VCPU) waitPaused() {
	v.pauseMu.Lock()
	for atomic.LoadInt32(&v.paused) == 0 && atomic.LoadInt32(&v.stopRequested) == 0 {
		v.pauseCond.Wait()
	}
	v.pauseMu.Unlock()
}

func (v *VCPU) requestStop() {
	atomic.StoreInt32(&v.stopRequested, 1)
	v.IsUsed = false
	v.interrupt()
}

// NotifySignal wakes a vCPU thread that may be blocked in KVM_RUN
// (typically on a guest HLT) so it re-enters the run loop and notices
// a newly posted signal. Used by the signal engine after queuing a
// thread-targeted signal.
func (v *VCPU) NotifySignal() { v.interrupt() }

// interrupt sends SigVCPUStop to the vCPU's OS thread, breaking it out
// of a blocking KVM_RUN call so it re-checks pause/stop state.
func (v *VCPU) interrupt() {
	tid := atomic.LoadInt32(&v.tid)
	if tid == 0 {
		return
	}
	unix.Tgkill(unix.Getpid(), int(tid), SigVCPUStop)
}

// Run locks the calling goroutine to its OS thread (required so
// interrupt() can target a stable tid) and executes the KVM_RUN loop
// until the guest halts, exits, or a fatal error occurs.
func (v *VCPU) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))

	for {
		if atomic.LoadInt32(&v.stopRequested) != 0 {
			return nil
		}
		if atomic.LoadInt32(&v.pauseRequested) != 0 {
			v.pauseMu.Lock()
			v.paused = 1
			v.pauseCond.Broadcast()
			for atomic.LoadInt32(&v.pauseRequested) != 0 && atomic.LoadInt32(&v.stopRequested) == 0 {
				v.pauseCond.Wait()
			}
			v.pauseMu.Unlock()
			continue
		}

		if err := kvmapi.RunOnce(v.fd); err != nil {
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", v.id, err)
		}

		switch reason := kvmapi.ExitReason(v.run); reason {
		case kvmapi.ExitIO:
			if stop, err := v.handleIO(); err != nil {
				return err
			} else if stop {
				return nil
			}
		case kvmapi.ExitHlt:
			if v.vm.signals != nil && v.vm.signals.Ready(v) {
				if fatal := v.vm.signals.Deliver(v); fatal {
					return nil
				}
			}
		case kvmapi.ExitMmio:
			mm := kvmapi.MMIOExit(v.run)
			v.vm.log.WithField("vcpu", v.id).Warnf("unhandled MMIO at %#x", mm.PhysAddr)
		case kvmapi.ExitShutdown:
			return fmt.Errorf("vcpu %d: guest triple fault (KVM_EXIT_SHUTDOWN)", v.id)
		case kvmapi.ExitFailEntry:
			return fmt.Errorf("vcpu %d: KVM_EXIT_FAIL_ENTRY reason=%#x", v.id, kvmapi.FailEntryHWReason(v.run))
		case kvmapi.ExitIntr:
			// Interrupted by our own SigVCPUStop; loop around to
			// re-check pause/stop state.
		default:
			v.vm.log.WithField("vcpu", v.id).Warnf("unhandled KVM exit reason %d", reason)
		}

		if v.vm.exitGroupRequested() {
			return nil
		}
	}
}

func (v *VCPU) handleIO() (stop bool, err error) {
	io, data := kvmapi.IOExit(v.run)
	const hcallPortBase = 0x8000
	if io.Port < hcallPortBase || io.Direction != kvmapi.IOOut {
		v.vm.log.WithFields(map[string]interface{}{
			"vcpu": v.id, "port": io.Port, "dir": io.Direction,
		}).Warn("ignoring non-hypercall I/O exit")
		return false, nil
	}
	syscallNo := io.Port - hcallPortBase
	if len(data) < 4 {
		return false, fmt.Errorf("vcpu %d: short hypercall data for port %#x", v.id, io.Port)
	}
	argsGVA := uint64(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	if v.vm.ioHandler == nil {
		return false, fmt.Errorf("vcpu %d: no hypercall handler installed", v.id)
	}
	if err := v.vm.ioHandler.HandleHypercall(v, syscallNo, argsGVA); err != nil {
		return false, fmt.Errorf("vcpu %d: hypercall %d: %w", v.id, syscallNo, err)
	}
	return false, nil
}

// Close unmaps the kvm_run page and closes the vCPU fd.
func (v *VCPU) Close() {
	if v.run != nil {
		unix.Munmap(v.run)
		v.run = nil
	}
	if v.fd != 0 {
		unix.Close(v.fd)
		v.fd = 0
	}
}
