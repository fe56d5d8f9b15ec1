package ksignal

import (
	"unsafe"

	"github.com/sv641/km/internal/kvmapi"
)

// redZone is the x86-64 SysV ABI red zone size reserved below RSP; the
// signal frame is pushed below it so a leaf function's red zone use
// can't collide with the frame being built.
const redZone = 128

// Frame is the stack layout a guest signal handler runs on top of,
// mirroring km_signal_frame_t: a return address pointing at the
// guest's sigreturn trampoline, the hypercall argument block that
// trampoline uses to invoke rt_sigreturn, the vCPU's saved general
// registers, the siginfo_t delivered to the handler, and a minimal
// ucontext_t carrying the saved RIP and signal mask across the
// handler's run.
type Frame struct {
	ReturnAddr uint64
	HCArgs     [7]uint64 // {ret, arg1..arg6}, unused by the frame itself but sized to match the ABI the trampoline expects
	Regs       kvmapi.Regs
	Info       SigInfo
	_          [4]byte // pad Info to 8-byte align the fields after it
	UCRIP      uint64  // ucontext_t.uc_mcontext.gregs[REG_RIP]
	UCSigMask  uint64  // ucontext_t.uc_sigmask
}

// sizeofFrame exists so callers can reserve stack space without
// importing unsafe themselves.
var sizeofFrame = unsafe.Sizeof(Frame{})

// SigAction is this engine's struct sigaction: just the fields the
// guest ABI and the engine need.
type SigAction struct {
	Handler uint64 // guest VA of handler function, or SIG_IGN/SIG_DFL sentinel
	Mask    SigSet
	Flags   uint64
}

const (
	SigIGN = ^uint64(0)     // SIG_IGN sentinel (guest VA space never reaches this value)
	SigDFL = uint64(0)      // SIG_DFL sentinel
	SAFlagSigInfo = 0x00000004
	SAFlagOnStack = 0x08000000
)

// vcpuRegs is the subset of machine.VCPU's API the frame builder needs;
// narrowed to a local interface so it can be unit tested without a
// live KVM vCPU.
type vcpuRegs interface {
	Regs() (*kvmapi.Regs, error)
	SetRegs(*kvmapi.Regs) error
	GVAToKMANoCheck(gva uint64) uintptr
	SigreturnTrampoline() uint64
	AltStack() (sp, flags, size uint64, onStack bool)
	SetOnSigaltstack(on bool)
}

// buildGuestHandlerFrame pushes a Frame below the vCPU's current RSP
// (below the red zone), points RSP/RIP/RDI/RSI/RDX at it and the
// handler so the guest runs the handler on its next KVM_RUN, and
// defers further delivery of this signal by adding it (and, for
// SA_SIGINFO handlers, the handler's sa_mask) to the vCPU's mask.
func buildGuestHandlerFrame(v vcpuRegs, info SigInfo, act SigAction, vcpuSigMask *SigSet) error {
	regs, err := v.Regs()
	if err != nil {
		return err
	}

	rsp := regs.RSP
	if act.Flags&SAFlagOnStack != 0 {
		const ssDisable = 0x2
		if sp, flags, size, onStack := v.AltStack(); size != 0 && flags&ssDisable == 0 && !onStack {
			rsp = sp + size
			v.SetOnSigaltstack(true)
		}
	}

	frameGVA := rsp - redZone - uint64(sizeofFrame)
	kma := v.GVAToKMANoCheck(frameGVA)
	frame := (*Frame)(unsafe.Pointer(kma))

	frame.Info = info
	frame.Regs = *regs
	frame.ReturnAddr = v.SigreturnTrampoline()
	frame.UCRIP = regs.RIP
	frame.UCSigMask = uint64(*vcpuSigMask)

	if act.Flags&SAFlagSigInfo != 0 {
		*vcpuSigMask |= act.Mask
	}
	vcpuSigMask.Add(int(info.Signo))

	regs.RSP = frameGVA
	regs.RIP = act.Handler
	regs.RDI = uint64(info.Signo)
	regs.RSI = frameGVA + uint64(unsafe.Offsetof(Frame{}.Info))
	// RDX points at this engine's own minimal ucontext-equivalent
	// (UCRIP/UCSigMask), not a glibc-layout-compatible ucontext_t —
	// guest handlers built against this monitor's sigreturn trampoline
	// only ever read those two fields back out.
	regs.RDX = frameGVA + uint64(unsafe.Offsetof(Frame{}.UCRIP))

	return v.SetRegs(regs)
}

// restoreFromSigreturn implements rt_sigreturn: read the frame just
// below the post-call RSP, restore saved registers and signal mask,
// and resume at the interrupted RIP.
func restoreFromSigreturn(v vcpuRegs, vcpuSigMask *SigSet) error {
	regs, err := v.Regs()
	if err != nil {
		return err
	}
	frameGVA := regs.RSP - 8 // rsp already past the popped return address
	kma := v.GVAToKMANoCheck(frameGVA)
	frame := (*Frame)(unsafe.Pointer(kma))

	*vcpuSigMask = SigSet(frame.UCSigMask)
	*regs = frame.Regs
	regs.RIP = frame.UCRIP
	v.SetOnSigaltstack(false)
	return v.SetRegs(regs)
}
