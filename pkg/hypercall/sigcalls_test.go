package hypercall

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sv641/km/pkg/ksignal"
)

func newTestEngine() *ksignal.Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return ksignal.New(log)
}

func TestRtSigactionSetSucceeds(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 256)}
	eng := newTestEngine()
	fn := newRtSigactionHcall(eng)

	const sigusr1 = 10
	args := &Args{Arg1: sigusr1, Arg2: 8, Arg3: 0, Arg4: 8}
	halted, _ := fn(f, unixSigactionNo, args)
	if halted {
		t.Fatal("rt_sigaction should never request halt")
	}
	if int64(args.Ret) != 0 {
		t.Fatalf("expected success, got %d", int64(args.Ret))
	}
}

func TestRtSigactionRejectsBadSignal(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 256)}
	eng := newTestEngine()
	fn := newRtSigactionHcall(eng)

	args := &Args{Arg1: 0, Arg4: 8} // signo 0 is out of range
	fn(f, unixSigactionNo, args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT for invalid signo, got %d", int64(args.Ret))
	}
}

func TestKillHcallSelfGroupSucceeds(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	eng := newTestEngine()
	fn := newKillHcall(eng)

	const sigusr1 = 10
	args := &Args{Arg1: 0, Arg2: sigusr1}
	fn(f, 0, args)
	if int64(args.Ret) != 0 {
		t.Fatalf("expected kill(0, SIGUSR1) to succeed, got %d", int64(args.Ret))
	}
}

func TestKillHcallRejectsOtherPid(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	eng := newTestEngine()
	fn := newKillHcall(eng)

	args := &Args{Arg1: 42, Arg2: 10}
	fn(f, 0, args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT for non-zero pid, got %d", int64(args.Ret))
	}
}

func TestTkillHcallUnknownTidFails(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	eng := newTestEngine()
	fn := newTkillHcall(eng)

	args := &Args{Arg1: 999, Arg2: 10}
	fn(f, 0, args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT for unregistered tid, got %d", int64(args.Ret))
	}
}

func TestRtSigprocmaskRequiresConcreteVCPU(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	eng := newTestEngine()
	fn := newRtSigprocmaskHcall(eng)

	args := &Args{}
	fn(f, 0, args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT: fakeResolver is not a *machine.VCPU, got %d", int64(args.Ret))
	}
}

func TestRtSigreturnRequiresConcreteVCPU(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	eng := newTestEngine()
	fn := newRtSigreturnHcall(eng)

	args := &Args{}
	fn(f, 0, args)
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT: fakeResolver is not a *machine.VCPU, got %d", int64(args.Ret))
	}
}

// unixSigactionNo is an arbitrary syscall number placeholder: these
// handlers never consult syscallNo themselves, rt_sigaction's
// behavior is fully determined by Args.
const unixSigactionNo = 13
