package hypercall

import (
	"unsafe"

	"github.com/sv641/km/pkg/ksignal"
	"github.com/sv641/km/pkg/machine"
)

// sigVCPU narrows the vcpu argument down to the concrete *machine.VCPU
// every ksignal.Engine method requires; unlike the other handlers in
// this package, the signal hypercalls have no narrower interface to
// fall back to since the engine tracks state per *machine.VCPU
// identity, not per translated-address capability.
func sigVCPU(vcpu resolver) (*machine.VCPU, bool) {
	v, ok := vcpu.(*machine.VCPU)
	return v, ok
}

// newRtSigactionHcall: int rt_sigaction(int signum, const struct
// sigaction *act, struct sigaction *oldact, size_t sigsetsize).
func newRtSigactionHcall(sig *ksignal.Engine) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		var act ksignal.SigAction
		var actPtr *ksignal.SigAction
		if args.Arg2 != 0 {
			kma, err := gvaToKML(vcpu, args.Arg2)
			if err != nil {
				args.Ret = uint64(efault)
				return false, 0
			}
			act = *(*ksignal.SigAction)(unsafe.Pointer(uintptr(kma)))
			actPtr = &act
		}
		oldact, err := sig.RtSigaction(int(args.Arg1), actPtr, uintptr(args.Arg4))
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		if args.Arg3 != 0 {
			kma, err := gvaToKML(vcpu, args.Arg3)
			if err != nil {
				args.Ret = uint64(efault)
				return false, 0
			}
			*(*ksignal.SigAction)(unsafe.Pointer(uintptr(kma))) = oldact
		}
		args.Ret = 0
		return false, 0
	}
}

// newRtSigprocmaskHcall: int rt_sigprocmask(int how, const sigset_t
// *set, sigset_t *oldset, size_t sigsetsize).
func newRtSigprocmaskHcall(sig *ksignal.Engine) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		v, ok := sigVCPU(vcpu)
		if !ok {
			args.Ret = uint64(efault)
			return false, 0
		}
		var set ksignal.SigSet
		var setPtr *ksignal.SigSet
		if args.Arg2 != 0 {
			kma, err := gvaToKML(vcpu, args.Arg2)
			if err != nil {
				args.Ret = uint64(efault)
				return false, 0
			}
			set = *(*ksignal.SigSet)(unsafe.Pointer(uintptr(kma)))
			setPtr = &set
		}
		oldset, err := sig.RtSigprocmask(v, int(args.Arg1), setPtr, uintptr(args.Arg4))
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		if args.Arg3 != 0 {
			kma, err := gvaToKML(vcpu, args.Arg3)
			if err != nil {
				args.Ret = uint64(efault)
				return false, 0
			}
			*(*ksignal.SigSet)(unsafe.Pointer(uintptr(kma))) = oldset
		}
		args.Ret = 0
		return false, 0
	}
}

// newRtSigreturnHcall: the guest's sigreturn trampoline lands here
// after a handler runs, restoring the registers and mask the handler
// frame saved.
func newRtSigreturnHcall(sig *ksignal.Engine) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		v, ok := sigVCPU(vcpu)
		if !ok {
			args.Ret = uint64(efault)
			return false, 0
		}
		if err := sig.RtSigreturn(v); err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		args.Ret = 0
		return false, 0
	}
}

// newRtSigpendingHcall: int rt_sigpending(sigset_t *set, size_t sigsetsize).
func newRtSigpendingHcall(sig *ksignal.Engine) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		v, ok := sigVCPU(vcpu)
		if !ok {
			args.Ret = uint64(efault)
			return false, 0
		}
		pending, err := sig.RtSigpending(v)
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		kma, err := gvaToKML(vcpu, args.Arg1)
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		*(*ksignal.SigSet)(unsafe.Pointer(uintptr(kma))) = pending
		args.Ret = 0
		return false, 0
	}
}

// newKillHcall: int kill(pid_t pid, int sig). Only pid==0 (this
// process's own group, the only process a guest ever has) is
// meaningful inside a single-process monitor.
func newKillHcall(sig *ksignal.Engine) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		if err := sig.Kill(int(int32(args.Arg1)), int(args.Arg2)); err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		args.Ret = 0
		return false, 0
	}
}

// newTkillHcall: int tkill(int tid, int sig). tid is the target
// machine.VCPU.ID(), per the Open Question decision in DESIGN.md.
func newTkillHcall(sig *ksignal.Engine) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		if err := sig.Tkill(int(int32(args.Arg1)), int(args.Arg2)); err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		args.Ret = 0
		return false, 0
	}
}
