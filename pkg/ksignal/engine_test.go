package ksignal

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sv641/km/pkg/machine"
)

func newTestEngineVCPU(t *testing.T) (*Engine, *machine.Machine) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := New(log)
	m, err := machine.New(machine.Config{
		MaxPhysMem: 64 << 20,
		NumVCPUs:   1,
		Log:        log,
		Signals:    e,
	})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	t.Cleanup(m.Close)
	e.RegisterVCPU(m.VCPU(0))
	return e, m
}

// TestStraySignalDroppedSilently posts a signal whose default
// disposition is ignore (SIGWINCH, no handler installed) and checks
// Deliver drops it without invoking OnFatal — a guest with no window
// resize handler must not be torn down by one arriving.
func TestStraySignalDroppedSilently(t *testing.T) {
	e, m := newTestEngineVCPU(t)
	fatal := false
	e.OnFatal = func(vcpu *machine.VCPU, signo int, coreDump bool) { fatal = true }

	vcpu := m.VCPU(0)
	if err := e.PostSignal(vcpu, int(sigWINCH), 0); err != nil {
		t.Fatal(err)
	}
	if !e.Ready(vcpu) {
		t.Fatal("expected SIGWINCH to be ready for delivery")
	}
	if terminated := e.Deliver(vcpu); terminated {
		t.Fatal("SIGWINCH has default-ignore disposition, should not terminate the guest")
	}
	if fatal {
		t.Fatal("OnFatal must not fire for a default-ignore signal")
	}
	if e.Ready(vcpu) {
		t.Fatal("stray signal should be consumed, not left pending")
	}
}

// TestDefaultDispositionProgramErrorIsFatal is the contrasting case:
// a program-error signal with no handler installed does terminate the
// guest and requests a core dump.
func TestDefaultDispositionProgramErrorIsFatal(t *testing.T) {
	e, m := newTestEngineVCPU(t)
	var gotSigno int
	var gotCoreDump bool
	e.OnFatal = func(vcpu *machine.VCPU, signo int, coreDump bool) {
		gotSigno = signo
		gotCoreDump = coreDump
	}

	vcpu := m.VCPU(0)
	const sigSEGV = 11
	if err := e.PostSignal(vcpu, sigSEGV, 0); err != nil {
		t.Fatal(err)
	}
	if terminated := e.Deliver(vcpu); !terminated {
		t.Fatal("expected SIGSEGV with default disposition to terminate the guest")
	}
	if gotSigno != sigSEGV {
		t.Errorf("OnFatal signo = %d, want %d", gotSigno, sigSEGV)
	}
	if !gotCoreDump {
		t.Error("expected a program-error signal to request a core dump")
	}
}

// TestReadyAppliesKernelFaultOverride exercises the HLT-wait delivery
// path (machine/vcpu.go checks Ready before calling Deliver): a vCPU
// that has masked SIGSEGV must still report Ready and successfully
// Deliver a SIGSEGV whose siginfo code is SI_KERNEL, since a
// CPU-trapped fault can't simply be left pending.
func TestReadyAppliesKernelFaultOverride(t *testing.T) {
	e, m := newTestEngineVCPU(t)
	vcpu := m.VCPU(0)

	const sigSEGV = 11
	var blocked SigSet
	blocked.Add(sigSEGV)
	if _, err := e.RtSigprocmask(vcpu, 2 /* SIG_SETMASK */, &blocked, 8); err != nil {
		t.Fatal(err)
	}

	if err := e.PostSignal(vcpu, sigSEGV, SICodeKernel); err != nil {
		t.Fatal(err)
	}
	if !e.Ready(vcpu) {
		t.Fatal("expected masked SI_KERNEL SIGSEGV to still be Ready")
	}
	if terminated := e.Deliver(vcpu); !terminated {
		t.Fatal("expected default-disposition SIGSEGV to terminate the guest")
	}
}

const sigWINCH = 28
