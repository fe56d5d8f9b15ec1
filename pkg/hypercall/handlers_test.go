package hypercall

import (
	"testing"
	"unsafe"
)

// fakeResolver backs a flat byte slice as "guest memory" so handler
// tests can exercise pointer translation without a real vCPU.
type fakeResolver struct {
	mem []byte
}

func (f *fakeResolver) GVAToKMA(gva uint64) (uintptr, bool) {
	if gva == 0 || int(gva) >= len(f.mem) {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&f.mem[gva])), true
}

func TestLoadArgsInvalidPointer(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	if _, err := loadArgs(f, 1000); err == nil {
		t.Fatal("expected error for out-of-range args pointer")
	}
}

func TestGvaToKMLNullIsZero(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	kml, err := gvaToKML(f, 0)
	if err != nil || kml != 0 {
		t.Fatalf("gvaToKML(0) = %d, %v, want 0, nil", kml, err)
	}
}

func TestGvaToKMLInvalid(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 8)}
	if _, err := gvaToKML(f, 100); err == nil {
		t.Fatal("expected EFAULT for out-of-range pointer")
	}
}

func TestCloseHcallUsesRawSyscallResult(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	args := &Args{Arg1: ^uint64(0)} // bad fd -> real close(2) should fail with EBADF
	halted, _ := closeHcall(f, 3, args)
	if halted {
		t.Fatal("close should never request halt")
	}
	if int64(args.Ret) >= 0 {
		t.Fatalf("expected negative errno return for invalid fd, got %d", int64(args.Ret))
	}
}

func TestShutdownHcallRoutesToRealShutdownSyscall(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	args := &Args{Arg1: ^uint64(0), Arg2: 0}
	shutdownHcall(f, 0, args)
	// An invalid fd must fail with a syscall errno (negative), proving
	// shutdown(2) was actually invoked rather than silently succeeding
	// the way a stray ioctl might on an unrelated fd number.
	if int64(args.Ret) >= 0 {
		t.Fatalf("expected shutdown(2) to fail on bad fd, got %d", int64(args.Ret))
	}
}
