package ksignal

import (
	"testing"
	"unsafe"

	"github.com/sv641/km/internal/kvmapi"
)

// fakeVCPU backs vcpuRegs with a plain Go byte slice standing in for
// guest memory, so GVAToKMANoCheck can return a real pointer into it
// without needing a live KVM mapping.
type fakeVCPU struct {
	regs        kvmapi.Regs
	mem         []byte
	trampolineGVA uint64

	altSP, altFlags, altSize uint64
	onAltStack               bool
}

func newFakeVCPU() *fakeVCPU {
	mem := make([]byte, 64*1024)
	return &fakeVCPU{
		mem:           mem,
		trampolineGVA: 0x1000,
		regs: kvmapi.Regs{
			RSP: uint64(len(mem) - 4096), // leave headroom below for the frame
			RIP: 0x4000,
		},
	}
}

func (f *fakeVCPU) Regs() (*kvmapi.Regs, error)   { r := f.regs; return &r, nil }
func (f *fakeVCPU) SetRegs(r *kvmapi.Regs) error  { f.regs = *r; return nil }
func (f *fakeVCPU) GVAToKMANoCheck(gva uint64) uintptr {
	return uintptr(unsafe.Pointer(&f.mem[gva]))
}
func (f *fakeVCPU) SigreturnTrampoline() uint64 { return f.trampolineGVA }
func (f *fakeVCPU) AltStack() (sp, flags, size uint64, onStack bool) {
	return f.altSP, f.altFlags, f.altSize, f.onAltStack
}
func (f *fakeVCPU) SetOnSigaltstack(on bool) { f.onAltStack = on }

func TestBuildGuestHandlerFrameThenSigreturnRestoresState(t *testing.T) {
	v := newFakeVCPU()
	origRegs := v.regs

	act := SigAction{Handler: 0x5000, Flags: SAFlagSigInfo}
	var mask SigSet
	mask.Add(3) // already blocking SIGQUIT before delivery

	info := SigInfo{Signo: 11, Code: SICodeKernel}
	if err := buildGuestHandlerFrame(v, info, act, &mask); err != nil {
		t.Fatalf("buildGuestHandlerFrame: %v", err)
	}

	if v.regs.RIP != act.Handler {
		t.Fatalf("RIP = %#x, want handler %#x", v.regs.RIP, act.Handler)
	}
	if v.regs.RDI != uint64(info.Signo) {
		t.Fatalf("RDI (signo arg) = %d, want %d", v.regs.RDI, info.Signo)
	}
	if !mask.IsMember(int(info.Signo)) {
		t.Fatal("delivered signal should be added to the vCPU mask while the handler runs")
	}
	if v.regs.RSP >= origRegs.RSP {
		t.Fatal("RSP should move down to make room for the frame")
	}

	frameGVA := v.regs.RSP
	frame := (*Frame)(unsafe.Pointer(v.GVAToKMANoCheck(frameGVA)))
	if frame.ReturnAddr != v.trampolineGVA {
		t.Fatalf("frame return address = %#x, want sigreturn trampoline %#x", frame.ReturnAddr, v.trampolineGVA)
	}
	if frame.Regs.RIP != origRegs.RIP {
		t.Fatalf("saved frame RIP = %#x, want original %#x", frame.Regs.RIP, origRegs.RIP)
	}

	// Simulate the trampoline's "pop return address" before rt_sigreturn.
	v.regs.RSP += 8

	if err := restoreFromSigreturn(v, &mask); err != nil {
		t.Fatalf("restoreFromSigreturn: %v", err)
	}
	if v.regs.RIP != origRegs.RIP {
		t.Fatalf("RIP after sigreturn = %#x, want original %#x", v.regs.RIP, origRegs.RIP)
	}
	if v.regs.RSP != origRegs.RSP {
		t.Fatalf("RSP after sigreturn = %#x, want original %#x", v.regs.RSP, origRegs.RSP)
	}
	if mask.IsMember(int(info.Signo)) {
		t.Fatal("delivered signal should be un-masked again after sigreturn")
	}
	if !mask.IsMember(3) {
		t.Fatal("sigreturn should restore the mask as it was before delivery, including the pre-existing block")
	}
}

// TestBuildGuestHandlerFrameUsesAltStackWhenRequested exercises the
// SA_ONSTACK path: with an alt stack installed and the flag set, the
// frame is built on top of the alt stack rather than the vCPU's
// current RSP, and OnSigaltstack flips true until sigreturn.
func TestBuildGuestHandlerFrameUsesAltStackWhenRequested(t *testing.T) {
	v := newFakeVCPU()
	v.altSP, v.altSize = 8192, 16384 // well clear of the vCPU's own RSP

	act := SigAction{Handler: 0x5000, Flags: SAFlagOnStack}
	var mask SigSet
	if err := buildGuestHandlerFrame(v, SigInfo{Signo: 11}, act, &mask); err != nil {
		t.Fatalf("buildGuestHandlerFrame: %v", err)
	}
	if !v.onAltStack {
		t.Fatal("expected OnSigaltstack to be set while the handler runs on the alt stack")
	}
	if v.regs.RSP >= v.altSP+v.altSize {
		t.Fatalf("RSP = %#x, expected it to land within the alt stack below %#x", v.regs.RSP, v.altSP+v.altSize)
	}

	v.regs.RSP += 8 // simulate the trampoline's pop
	if err := restoreFromSigreturn(v, &mask); err != nil {
		t.Fatalf("restoreFromSigreturn: %v", err)
	}
	if v.onAltStack {
		t.Fatal("expected OnSigaltstack to clear again after sigreturn")
	}
}

func TestBuildGuestHandlerFrameWithoutSigInfoLeavesActMaskUnapplied(t *testing.T) {
	v := newFakeVCPU()
	act := SigAction{Handler: 0x5000} // no SA_SIGINFO
	var actMask SigSet
	actMask.Add(5)
	act.Mask = actMask

	var vcpuMask SigSet
	if err := buildGuestHandlerFrame(v, SigInfo{Signo: 2}, act, &vcpuMask); err != nil {
		t.Fatalf("buildGuestHandlerFrame: %v", err)
	}
	if vcpuMask.IsMember(5) {
		t.Fatal("act.Mask should only be folded in for SA_SIGINFO handlers")
	}
	if !vcpuMask.IsMember(2) {
		t.Fatal("the delivered signal itself is always masked during its own handler")
	}
}
