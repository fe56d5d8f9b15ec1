package hypercall

import "unsafe"

// guestStack mirrors stack_t: the sigaltstack(2) descriptor a guest
// reads and writes through the hypercall's pointer arguments.
type guestStack struct {
	SP    uint64
	Flags uint32
	_     uint32 // pad to match stack_t's size/offset under the guest ABI
	Size  uint64
}

const (
	ssOnStack = 0x1
	ssDisable = 0x2
)

// eperm is -EPERM in Linux errno convention, a var for the same
// constant-conversion reason efault is.
var eperm int64 = -1

// altstackVCPU narrows the vcpu argument to the AltStack/SetAltStack
// pair machine.VCPU exposes; sigaltstack state lives on the vCPU
// itself rather than in ksignal.Engine, since it is per-thread register
// state a handler frame consults, not a delivery-dispatch concern.
type altstackVCPU interface {
	resolver
	AltStack() (sp, flags, size uint64, onStack bool)
	SetAltStack(sp, flags, size uint64) error
}

// sigaltstackHcall: int sigaltstack(const stack_t *ss, stack_t *old_ss).
//
// Mirrors the real syscall's contract: querying or disabling the
// current stack is always allowed, but installing a new one while the
// guest is actively executing on it is rejected with EPERM, the same
// as attempting to pull the stack out from under its own handler.
func sigaltstackHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	v, ok := vcpu.(altstackVCPU)
	if !ok {
		args.Ret = uint64(efault)
		return false, 0
	}

	if args.Arg2 != 0 {
		kma, err := gvaToKML(vcpu, args.Arg2)
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		sp, flags, size, onStack := v.AltStack()
		old := (*guestStack)(unsafe.Pointer(uintptr(kma)))
		old.SP, old.Size = sp, size
		old.Flags = uint32(flags)
		if onStack {
			old.Flags |= ssOnStack
		}
	}

	if args.Arg1 == 0 {
		args.Ret = 0
		return false, 0
	}

	kma, err := gvaToKML(vcpu, args.Arg1)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	req := (*guestStack)(unsafe.Pointer(uintptr(kma)))

	if _, _, _, onStack := v.AltStack(); onStack && req.Flags&ssDisable == 0 {
		args.Ret = uint64(eperm)
		return false, 0
	}

	if err := v.SetAltStack(req.SP, uint64(req.Flags), req.Size); err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = 0
	return false, 0
}
