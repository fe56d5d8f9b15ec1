package ksignal

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sv641/km/pkg/machine"
)

// perVCPU is the signal-related state kept alongside each machine.VCPU:
// its pending queue and its current signal mask.
type perVCPU struct {
	pending *queue
	mask    SigSet
}

// Engine is the signal delivery engine: a process-wide pending queue,
// one pending queue and mask per vCPU, and the process-wide table of
// installed signal actions. It implements machine.SignalEngine.
type Engine struct {
	log *logrus.Logger

	mu         sync.Mutex
	pool       *pool
	procQueue  *queue
	vcpus      map[int]*perVCPU
	actions    [NSIG]SigAction
	byID       map[int]*machine.VCPU // for tkill's by-id lookup

	// OnFatal is invoked when a default-disposition signal terminates
	// the guest; it is given the signal number and whether a
	// program-error core dump should be taken. The caller (cmd/km)
	// owns pausing every other vCPU and invoking pkg/snapshot.
	OnFatal func(vcpu *machine.VCPU, signo int, coreDump bool)
}

// New creates an Engine with no vCPUs registered; RegisterVCPU adds
// them. The process-wide queue draws from the engine's pool from the
// start, so a process-wide signal can be posted before any vCPU exists.
func New(log *logrus.Logger) *Engine {
	p := newPool()
	return &Engine{
		log:       log,
		pool:      p,
		procQueue: newQueue(p),
		vcpus:     make(map[int]*perVCPU),
		byID:      make(map[int]*machine.VCPU),
	}
}

// RegisterVCPU must be called once per vCPU before it starts running,
// so the engine has somewhere to queue signals targeted at it.
func (e *Engine) RegisterVCPU(vcpu *machine.VCPU) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.procQueue.pool == nil {
		e.procQueue.pool = e.pool
	}
	e.vcpus[vcpu.ID()] = &perVCPU{pending: newQueue(e.pool)}
	e.byID[vcpu.ID()] = vcpu
}

func (e *Engine) state(vcpu *machine.VCPU) *perVCPU {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vcpus[vcpu.ID()]
}

// Ready implements machine.SignalEngine: true if vcpu has a
// deliverable (unblocked) signal either already its own or claimable
// from the process-wide queue.
func (e *Engine) Ready(vcpu *machine.VCPU) bool {
	st := e.state(vcpu)
	if st == nil {
		return false
	}
	if _, ok := st.pending.claimable(st.mask); ok {
		return true
	}
	if signo, ok := e.procQueue.claimable(st.mask); ok {
		e.procQueue.claim(st.pending, signo)
		return true
	}
	return false
}

// Deliver implements machine.SignalEngine: dequeue the
// highest-priority deliverable signal for vcpu and act on its
// disposition. Returns true if the guest has been terminated.
func (e *Engine) Deliver(vcpu *machine.VCPU) bool {
	st := e.state(vcpu)
	if st == nil {
		return false
	}

	info, ok := st.pending.dequeue(st.mask)
	if !ok {
		info, ok = e.procQueue.dequeue(st.mask)
		if !ok {
			return false
		}
	}

	e.mu.Lock()
	act := e.actions[sigIndex(int(info.Signo))]
	e.mu.Unlock()

	if act.Handler == SigIGN {
		return false
	}
	if act.Handler == SigDFL {
		if IsDefaultIgnore(int(info.Signo)) {
			return false
		}
		coreDump := IsProgramError(int(info.Signo)) || info.Signo == int32(sigQUIT)
		if e.OnFatal != nil {
			e.OnFatal(vcpu, int(info.Signo), coreDump)
		}
		return true
	}

	if err := buildGuestHandlerFrame(vcpu, info, act, &st.mask); err != nil {
		e.log.WithError(err).WithField("signo", info.Signo).Error("ksignal: failed to build guest handler frame")
		return true
	}
	return false
}

// sigQUIT avoids importing golang.org/x/sys/unix just for one constant
// already pulled in by classes.go; kept local to this file for clarity.
const sigQUIT = 3

// PostSignal enqueues info for delivery. A nil vcpu means a
// process-wide signal (any vCPU may claim it); otherwise the signal is
// thread-targeted. Non-realtime signals are coalesced: a second post
// of the same signo while one is already pending is a no-op, matching
// km_post_signal's de-duplication (realtime signals, signo >=
// SIGRTMIN, are never coalesced).
func (e *Engine) PostSignal(vcpu *machine.VCPU, signo int, code int32) error {
	info := SigInfo{Signo: int32(signo), Code: code}

	const sigrtmin = 34
	if signo < sigrtmin {
		if vcpu != nil {
			st := e.state(vcpu)
			if st != nil && st.pending.hasPending(signo) {
				return nil
			}
		} else if e.procQueue.hasPending(signo) {
			return nil
		}
	}

	if vcpu == nil {
		return e.procQueue.post(info)
	}
	st := e.state(vcpu)
	if st == nil {
		return fmt.Errorf("ksignal: post to unregistered vcpu %d", vcpu.ID())
	}
	if err := st.pending.post(info); err != nil {
		return err
	}
	vcpu.NotifySignal()
	return nil
}

// RtSigprocmask implements the rt_sigprocmask hypercall.
func (e *Engine) RtSigprocmask(vcpu *machine.VCPU, how int, set *SigSet, sigsetSize uintptr) (oldset SigSet, err error) {
	const (
		sigBlock   = 0
		sigUnblock = 1
		sigSetmask = 2
	)
	if sigsetSize != 8 {
		return 0, fmt.Errorf("ksignal: EINVAL: bad sigsetsize %d", sigsetSize)
	}
	st := e.state(vcpu)
	if st == nil {
		return 0, fmt.Errorf("ksignal: unregistered vcpu %d", vcpu.ID())
	}
	oldset = st.mask
	if set == nil {
		return oldset, nil
	}
	switch how {
	case sigBlock:
		st.mask |= *set
	case sigUnblock:
		st.mask &^= *set
	case sigSetmask:
		st.mask = *set
	default:
		return oldset, fmt.Errorf("ksignal: EINVAL: bad how %d", how)
	}
	return oldset, nil
}

// RtSigaction implements the rt_sigaction hypercall. Actions are
// process-wide.
func (e *Engine) RtSigaction(signo int, act *SigAction, sigsetSize uintptr) (oldact SigAction, err error) {
	if sigsetSize != 8 {
		return SigAction{}, fmt.Errorf("ksignal: EINVAL: bad sigsetsize %d", sigsetSize)
	}
	if signo < 1 || signo >= NSIG {
		return SigAction{}, fmt.Errorf("ksignal: EINVAL: bad signo %d", signo)
	}
	if IsNoCatch(signo) {
		return SigAction{}, fmt.Errorf("ksignal: EINVAL: signo %d cannot be caught", signo)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	oldact = e.actions[sigIndex(signo)]
	if act != nil {
		e.actions[sigIndex(signo)] = *act
	}
	return oldact, nil
}

// Kill implements the kill hypercall, restricted to pid==0 (self
// process group) the same way the original does: this monitor has no
// concept of other processes to signal.
func (e *Engine) Kill(pid int, signo int) error {
	if pid != 0 {
		return fmt.Errorf("ksignal: EINVAL: pid %d not supported", pid)
	}
	if signo < 1 || signo >= NSIG {
		return fmt.Errorf("ksignal: EINVAL: bad signo %d", signo)
	}
	const siUser = 0
	return e.PostSignal(nil, signo, siUser)
}

// Tkill implements the tkill hypercall: tid identifies a vCPU
// (registered via RegisterVCPU) to target directly.
func (e *Engine) Tkill(tid int, signo int) error {
	e.mu.Lock()
	target, ok := e.byID[tid]
	e.mu.Unlock()
	if !ok || signo < 1 || signo >= NSIG {
		return fmt.Errorf("ksignal: EINVAL: bad tid %d or signo %d", tid, signo)
	}
	const siUser = 0
	return e.PostSignal(target, signo, siUser)
}

// RtSigpending implements the rt_sigpending hypercall: the union of
// signal numbers pending on vcpu's own queue and the process-wide queue.
func (e *Engine) RtSigpending(vcpu *machine.VCPU) (SigSet, error) {
	st := e.state(vcpu)
	if st == nil {
		return 0, fmt.Errorf("ksignal: unregistered vcpu %d", vcpu.ID())
	}
	return st.pending.signos() | e.procQueue.signos(), nil
}

// RtSigreturn implements the rt_sigreturn hypercall.
func (e *Engine) RtSigreturn(vcpu *machine.VCPU) error {
	st := e.state(vcpu)
	if st == nil {
		return fmt.Errorf("ksignal: unregistered vcpu %d", vcpu.ID())
	}
	return restoreFromSigreturn(vcpu, &st.mask)
}

var _ machine.SignalEngine = (*Engine)(nil)
