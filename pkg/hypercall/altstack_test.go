package hypercall

import (
	"testing"
	"unsafe"
)

func unsafeOffset(mem []byte, gva uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[gva])
}

// fakeAltstackVCPU backs altstackVCPU against a fakeResolver's flat
// byte slice, so sigaltstackHcall can be exercised without a live vCPU.
type fakeAltstackVCPU struct {
	fakeResolver
	sp, flags, size uint64
	onStack         bool
}

func (f *fakeAltstackVCPU) AltStack() (sp, flags, size uint64, onStack bool) {
	return f.sp, f.flags, f.size, f.onStack
}

func (f *fakeAltstackVCPU) SetAltStack(sp, flags, size uint64) error {
	if flags&ssDisable != 0 {
		f.sp, f.flags, f.size = 0, ssDisable, 0
		return nil
	}
	f.sp, f.flags, f.size = sp, flags, size
	return nil
}

func TestSigaltstackInstallsNewStack(t *testing.T) {
	v := &fakeAltstackVCPU{fakeResolver: fakeResolver{mem: make([]byte, 4096)}}
	// Write a stack_t request into guest memory at offset 64.
	reqGVA := uint64(64)
	reqPtr := (*guestStack)(unsafeOffset(v.mem, reqGVA))
	reqPtr.SP = 0x2000
	reqPtr.Size = 8192

	args := &Args{Arg1: reqGVA}
	sigaltstackHcall(v, 0, args)
	if int64(args.Ret) != 0 {
		t.Fatalf("expected success, got errno %d", int64(args.Ret))
	}
	if v.sp != 0x2000 || v.size != 8192 {
		t.Fatalf("altstack not installed: sp=%#x size=%d", v.sp, v.size)
	}
}

func TestSigaltstackRejectsInstallWhileOnStack(t *testing.T) {
	v := &fakeAltstackVCPU{fakeResolver: fakeResolver{mem: make([]byte, 4096)}, onStack: true}
	reqGVA := uint64(64)
	reqPtr := (*guestStack)(unsafeOffset(v.mem, reqGVA))
	reqPtr.SP = 0x2000
	reqPtr.Size = 8192

	args := &Args{Arg1: reqGVA}
	sigaltstackHcall(v, 0, args)
	if int64(args.Ret) != eperm {
		t.Fatalf("expected EPERM while executing on the current alt stack, got %d", int64(args.Ret))
	}
}

func TestSigaltstackQueryReturnsCurrentDescriptor(t *testing.T) {
	v := &fakeAltstackVCPU{fakeResolver: fakeResolver{mem: make([]byte, 4096)}, sp: 0x3000, size: 4096}
	oldGVA := uint64(64)

	args := &Args{Arg2: oldGVA}
	sigaltstackHcall(v, 0, args)
	if int64(args.Ret) != 0 {
		t.Fatalf("expected success, got errno %d", int64(args.Ret))
	}
	old := (*guestStack)(unsafeOffset(v.mem, oldGVA))
	if old.SP != 0x3000 || old.Size != 4096 {
		t.Fatalf("old descriptor not written: sp=%#x size=%d", old.SP, old.Size)
	}
}
