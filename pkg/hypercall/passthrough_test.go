package hypercall

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestClockGettimeHcallFillsTimespec(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	args := &Args{Arg1: unix.CLOCK_MONOTONIC, Arg2: 0}
	halted, _ := clockGettimeHcall(f, uint16(unix.SYS_CLOCK_GETTIME), args)
	if halted {
		t.Fatal("clock_gettime should never request halt")
	}
	if int64(args.Ret) != 0 {
		t.Fatalf("expected clock_gettime to succeed, got errno %d", int64(args.Ret))
	}
}

func TestClockGettimeHcallRejectsBadPointer(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 8)}
	args := &Args{Arg1: unix.CLOCK_MONOTONIC, Arg2: 1000}
	clockGettimeHcall(f, uint16(unix.SYS_CLOCK_GETTIME), args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT for out-of-range timespec pointer, got %d", int64(args.Ret))
	}
}

func TestFutexHcallTranslatesOptionalPointers(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	// FUTEX_WAKE never dereferences timeout/uaddr2; leave them zero and
	// confirm the handler doesn't fault translating absent pointers.
	args := &Args{Arg1: 8, Arg2: unix.FUTEX_WAKE, Arg3: 1, Arg4: 0, Arg5: 0}
	futexHcall(f, uint16(unix.SYS_FUTEX), args)
	if int64(args.Ret) == efault {
		t.Fatalf("futex(FUTEX_WAKE) should not fault on absent optional pointers")
	}
}

func TestOpenatHcallRejectsBadPathPointer(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 8)}
	args := &Args{Arg1: uint64(unix.AT_FDCWD), Arg2: 1000, Arg3: 0, Arg4: 0}
	openatHcall(f, uint16(unix.SYS_OPENAT), args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT for out-of-range pathname pointer, got %d", int64(args.Ret))
	}
}
