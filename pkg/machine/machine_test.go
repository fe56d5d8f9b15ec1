package machine_test

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sv641/km/pkg/machine"
)

type fakeIOHandler struct{}

func (fakeIOHandler) HandleHypercall(vcpu *machine.VCPU, syscallNo uint16, argsGVA uint64) error {
	return nil
}

type fakeSignalEngine struct {
	registered []*machine.VCPU
}

func (f *fakeSignalEngine) Deliver(vcpu *machine.VCPU) bool { return false }
func (f *fakeSignalEngine) Ready(vcpu *machine.VCPU) bool   { return false }
func (f *fakeSignalEngine) RegisterVCPU(vcpu *machine.VCPU) {
	f.registered = append(f.registered, vcpu)
}

func newTestMachine(t *testing.T) (*machine.Machine, *fakeSignalEngine) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	sig := &fakeSignalEngine{}
	m, err := machine.New(machine.Config{
		MaxPhysMem: 64 << 20,
		NumVCPUs:   1,
		Log:        log,
		IOHandler:  fakeIOHandler{},
		Signals:    sig,
	})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	t.Cleanup(m.Close)
	return m, sig
}

func TestNewBringsUpConfiguredVCPUs(t *testing.T) {
	m, _ := newTestMachine(t)
	if m.NumVCPUs() != 1 {
		t.Fatalf("NumVCPUs() = %d, want 1", m.NumVCPUs())
	}
	if m.VCPU(0) == nil {
		t.Fatal("VCPU(0) = nil")
	}
	if m.VCPU(1) != nil {
		t.Fatal("VCPU(1) should be out of range")
	}
}

func TestSpawnVCPUGrowsTableAndRegistersWithSignalEngine(t *testing.T) {
	m, sig := newTestMachine(t)
	child, err := m.SpawnVCPU()
	if err != nil {
		t.Fatalf("SpawnVCPU: %v", err)
	}
	if child.ID() != 1 {
		t.Fatalf("spawned vcpu id = %d, want 1", child.ID())
	}
	if m.NumVCPUs() != 2 {
		t.Fatalf("NumVCPUs() = %d, want 2", m.NumVCPUs())
	}
	if len(sig.registered) != 1 || sig.registered[0] != child {
		t.Fatalf("expected spawned vcpu registered with signal engine, got %v", sig.registered)
	}
}

// TestPauseResumeCycle exercises the vCPU run loop's pause checkpoint
// without ever reaching KVM_RUN, since this vCPU has no entry point or
// memory regions installed. Pause is requested before Run starts, so
// the loop's first iteration parks in the pause wait instead of
// calling KVM_RUN; exit-group is requested before resume, so when
// resume wakes the loop it takes the stop branch instead of the one
// that would otherwise call KVM_RUN on an unconfigured vCPU.
func TestPauseResumeCycle(t *testing.T) {
	m, _ := newTestMachine(t)
	v := m.VCPU(0)

	m.RequestPause()

	runDone := make(chan error, 1)
	go func() { runDone <- v.Run() }()

	m.WaitAllPaused()
	m.SetExitGroup()
	m.Resume()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("vcpu did not exit after SetExitGroup")
	}
}
