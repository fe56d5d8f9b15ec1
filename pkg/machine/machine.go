// Package machine owns the KVM virtual machine container: vCPU
// lifecycle, guest memory slot wiring, and the top-level run/pause/stop
// control surface. It depends only on the IOTrapHandler and
// SignalEngine interfaces for hypercall and signal delivery, so it
// never imports the packages that implement them.
package machine

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sv641/km/internal/kvmapi"
	"github.com/sv641/km/pkg/guestmem"
)

// Config describes how to size and wire a new Machine.
type Config struct {
	MaxPhysMem uint64
	NumVCPUs   int
	Log        *logrus.Logger

	IOHandler IOTrapHandler
	Signals   SignalEngine
}

// Machine is a KVM virtual machine: one vmFD, a guest memory manager,
// and a table of vCPUs.
type Machine struct {
	kvmFD int
	vmFD  int

	Mem   *guestmem.Manager
	Slots *guestmem.SlotTable

	// SigreturnGVA is the guest VA of the sigreturn trampoline the
	// payload loader places in guest memory; set once after loading,
	// before any vCPU runs.
	SigreturnGVA uint64

	vcpus []*VCPU

	ioHandler IOTrapHandler
	signals   SignalEngine
	log       *logrus.Logger

	mu            sync.Mutex
	exitGroup     bool
	pauseRequested bool

	runWG   sync.WaitGroup
	runErrs chan error
}

// New opens /dev/kvm, creates the VM, and brings up numVCPUs idle
// vCPUs. The guest's entry point, stack and initial register state are
// set by the caller via VCPU.SetEntry after payload loading.
func New(cfg Config) (*Machine, error) {
	if cfg.NumVCPUs <= 0 {
		cfg.NumVCPUs = 1
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	kvmFD, err := kvmapi.OpenDevice()
	if err != nil {
		return nil, err
	}
	vmFD, err := kvmapi.CreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, err
	}

	m := &Machine{
		kvmFD:     kvmFD,
		vmFD:      vmFD,
		Mem:       guestmem.NewManager(cfg.MaxPhysMem),
		ioHandler: cfg.IOHandler,
		signals:   cfg.Signals,
		log:       cfg.Log,
	}
	m.Slots = guestmem.NewSlotTable(vmFD, m.Mem)

	for i := 0; i < cfg.NumVCPUs; i++ {
		vcpu, err := newVCPU(m, i)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("machine: create vcpu %d: %w", i, err)
		}
		m.vcpus = append(m.vcpus, vcpu)
	}
	return m, nil
}

// SetIOHandler installs the hypercall dispatcher after construction,
// for cmd/km's startup ordering: the dispatcher needs this Machine's
// own *guestmem.Manager (via Mem) to back its mmap-family handlers, so
// it can only be built once the Machine already exists, while the
// Machine needs a handler before any vCPU can run.
func (m *Machine) SetIOHandler(h IOTrapHandler) { m.ioHandler = h }

// VCPU returns vCPU id, or nil if out of range.
func (m *Machine) VCPU(id int) *VCPU {
	if id < 0 || id >= len(m.vcpus) {
		return nil
	}
	return m.vcpus[id]
}

// NumVCPUs returns the number of configured vCPUs.
func (m *Machine) NumVCPUs() int { return len(m.vcpus) }

// KVMFD is the raw /dev/kvm fd, exposed for packages (snapshot, mgmt)
// that need to create auxiliary idle vCPUs during restore.
func (m *Machine) KVMFD() int { return m.kvmFD }

// VMFD is the raw per-VM fd.
func (m *Machine) VMFD() int { return m.vmFD }

// Log exposes the machine's structured logger for subsystems that
// don't otherwise have one wired in (e.g. a restored vCPU).
func (m *Machine) Log() *logrus.Logger { return m.log }

// Run starts every vCPU's run loop and blocks until they have all
// exited, either normally (guest exit/exit_group) or on a fatal error.
// Vcpus spawned later via SpawnVCPU (the clone hypercall) join the
// same wait group, so Run keeps blocking until those exit too.
func (m *Machine) Run() error {
	m.mu.Lock()
	m.runErrs = make(chan error, 64)
	vcpus := append([]*VCPU(nil), m.vcpus...)
	m.mu.Unlock()

	for _, v := range vcpus {
		m.startVCPU(v)
	}
	m.runWG.Wait()
	close(m.runErrs)

	var first error
	for err := range m.runErrs {
		if first == nil {
			first = err
		}
		m.log.WithError(err).Error("vcpu exited with error")
	}
	return first
}

func (m *Machine) startVCPU(v *VCPU) {
	m.runWG.Add(1)
	go func() {
		defer m.runWG.Done()
		if err := v.Run(); err != nil {
			m.runErrs <- fmt.Errorf("vcpu %d: %w", v.ID(), err)
		}
	}()
}

// SpawnVCPU creates a new vCPU, registers it with the signal engine,
// and starts its run loop alongside the ones Run already started —
// the clone hypercall's mechanism for giving a guest thread a second
// vCPU of its own. Must only be called while Run is already executing
// (i.e. from within a hypercall handler running on an existing vCPU's
// thread), since it feeds the same wait group and error channel Run
// set up.
func (m *Machine) SpawnVCPU() (*VCPU, error) {
	m.mu.Lock()
	id := len(m.vcpus)
	vcpu, err := newVCPU(m, id)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("machine: spawn vcpu %d: %w", id, err)
	}
	m.vcpus = append(m.vcpus, vcpu)
	m.mu.Unlock()

	if m.signals != nil {
		m.signals.RegisterVCPU(vcpu)
	}
	m.startVCPU(vcpu)
	return vcpu, nil
}

// RequestPause asks all vCPUs to stop at their next safe point. Used
// before a live snapshot so every vCPU's register state is quiescent.
func (m *Machine) RequestPause() {
	m.mu.Lock()
	m.pauseRequested = true
	m.mu.Unlock()
	for _, v := range m.vcpus {
		v.requestPause()
	}
}

// Resume clears a previously requested pause.
func (m *Machine) Resume() {
	m.mu.Lock()
	m.pauseRequested = false
	m.mu.Unlock()
	for _, v := range m.vcpus {
		v.resume()
	}
}

// WaitAllPaused blocks until every vCPU acknowledges the pause request.
func (m *Machine) WaitAllPaused() {
	for _, v := range m.vcpus {
		v.waitPaused()
	}
}

// StopVCPU stops a single vCPU without affecting the others, for a
// guest thread that calls exit(2) rather than exit_group(2). Run
// keeps blocking on whatever vCPUs remain.
func (m *Machine) StopVCPU(id int) {
	if v := m.VCPU(id); v != nil {
		v.requestStop()
	}
}

// SetExitGroup records that the guest (or a non-live snapshot) wants
// all vCPUs to terminate; checked by vCPU run loops at safe points.
func (m *Machine) SetExitGroup() {
	m.mu.Lock()
	m.exitGroup = true
	m.mu.Unlock()
	for _, v := range m.vcpus {
		v.requestStop()
	}
}

func (m *Machine) exitGroupRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitGroup
}

// Close releases all KVM and guest-memory resources.
func (m *Machine) Close() {
	for _, v := range m.vcpus {
		v.Close()
	}
	if m.Slots != nil {
		m.Slots.Close()
	}
	if m.vmFD != 0 {
		unix.Close(m.vmFD)
		m.vmFD = 0
	}
	if m.kvmFD != 0 {
		unix.Close(m.kvmFD)
		m.kvmFD = 0
	}
}
