package machine

// IOTrapHandler is implemented by the hypercall dispatcher. Machine
// depends only on this interface so that pkg/machine never imports
// pkg/hypercall — concrete wiring happens once, at the top of cmd/km,
// mirroring how gVisor's sentry is decoupled from its platform layer.
type IOTrapHandler interface {
	// HandleHypercall services a guest OUTL to the hypercall port
	// range. port-0x8000 is the Linux syscall number; argsGVA is the
	// guest virtual address of the km_hc_args_t block.
	HandleHypercall(vcpu *VCPU, syscallNo uint16, argsGVA uint64) error
}

// SignalEngine is implemented by the signal delivery engine. Same
// import-inversion rationale as IOTrapHandler.
type SignalEngine interface {
	// Deliver checks this vCPU's pending queues and, if a deliverable
	// signal is found, either acts on it directly (ignore, or
	// terminate the process) or arranges for the guest to run its
	// handler on the next KVM_RUN. Returns true if the vCPU should
	// stop running (fatal signal terminated the guest).
	Deliver(vcpu *VCPU) (fatal bool)

	// Ready reports whether vcpu has a deliverable (unblocked) signal
	// pending, used to decide whether KVM_EXIT_HLT should keep the
	// vCPU halted or fall through to Deliver.
	Ready(vcpu *VCPU) bool

	// RegisterVCPU must be called once for every vCPU before it starts
	// running, including ones spawned after the machine's initial
	// bring-up (see Machine.SpawnVCPU), so the engine has somewhere to
	// queue signals targeted at it.
	RegisterVCPU(vcpu *VCPU)
}
