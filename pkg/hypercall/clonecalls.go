package hypercall

import (
	"unsafe"

	"github.com/sv641/km/pkg/machine"
)

// spawner is implemented by machine.VCPU, delegating to its owning
// Machine: the clone hypercall never sees the Machine directly.
type spawner interface {
	SpawnVCPU() (*machine.VCPU, error)
}

// newCloneHcall: long clone(unsigned long flags, void *child_stack,
// int *ptid, int *ctid, unsigned long newtls).
//
// This monitor has no fork/exec (spec.md's Non-goals exclude
// multi-process fork/exec entirely); the only use clone is ever put to
// is thread creation within the one guest process, so it always spawns
// a fresh vCPU rather than attempting to fork a host process. The
// child vCPU resumes at the same guest RIP the parent's KVM_EXIT_IO
// already advanced past — the same instruction the parent itself
// resumes at — on the caller-supplied child stack, with RAX forced to
// 0 so the child observes clone()'s documented "returns 0 in the
// child" contract while the parent's Args.Ret carries the new vCPU id
// as the child's tid.
func newCloneHcall(gdtBase, pml4Addr uint64) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		parent, ok := vcpu.(*machine.VCPU)
		if !ok {
			args.Ret = uint64(efault)
			return false, 0
		}
		parentRegs, err := parent.Regs()
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}

		s, ok := vcpu.(spawner)
		if !ok {
			args.Ret = uint64(efault)
			return false, 0
		}
		child, err := s.SpawnVCPU()
		if err != nil {
			args.Ret = uint64(eNoMem)
			return false, 0
		}

		childStack := args.Arg2
		if childStack == 0 {
			childStack = parentRegs.RSP
		}
		if err := child.SetEntry(parentRegs.RIP, childStack, gdtBase, pml4Addr); err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}

		childRegs, err := child.Regs()
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		childRegs.RAX = 0
		if err := child.SetRegs(childRegs); err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}

		const cloneSetTLS = 0x00080000
		if args.Arg1&cloneSetTLS != 0 && args.Arg5 != 0 {
			sregs, err := child.Sregs()
			if err != nil {
				args.Ret = uint64(efault)
				return false, 0
			}
			sregs.FS.Base = args.Arg5
			if err := child.SetSregs(sregs); err != nil {
				args.Ret = uint64(efault)
				return false, 0
			}
			child.GuestThr = args.Arg5
		}

		// CLONE_CHILD_SETTID/CLONE_CHILD_CLEARTID install the child's
		// ctid pointer: a real kernel writes the new tid through it
		// immediately (SETTID) and/or zeroes it and futex-wakes on
		// thread exit (CLEARTID). This monitor has no thread-exit path
		// that consults ClearChildTID, but both are recorded for
		// snapshot round-trip fidelity.
		const (
			cloneChildSetTID   = 0x01000000
			cloneChildClearTID = 0x00200000
		)
		if args.Arg1&cloneChildSetTID != 0 && args.Arg4 != 0 {
			if kma, err := gvaToKML(vcpu, args.Arg4); err == nil {
				*(*int32)(unsafe.Pointer(uintptr(kma))) = int32(child.ID())
			}
			child.SetChildTID = args.Arg4
		}
		if args.Arg1&cloneChildClearTID != 0 && args.Arg4 != 0 {
			child.SetClearChildTID(args.Arg4)
		}

		args.Ret = uint64(child.ID())
		return false, 0
	}
}
