package ksignal

import "testing"

func TestQueuePostLeavesCoalescingToCaller(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	if err := q.post(SigInfo{Signo: 2}); err != nil {
		t.Fatal(err)
	}
	if !q.hasPending(2) {
		t.Fatal("expected signal 2 pending after first post")
	}
	// A second post of the same non-RT signal is the caller's (Engine)
	// responsibility to suppress; queue.post itself always enqueues, so
	// this checks the pool is still large enough for a second entry.
	if err := q.post(SigInfo{Signo: 2}); err != nil {
		t.Fatal(err)
	}
}

func TestDequeuePrefersProgramError(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	q.post(SigInfo{Signo: 15}) // SIGTERM, not a program error
	q.post(SigInfo{Signo: 11}) // SIGSEGV, program error

	info, ok := q.dequeue(0)
	if !ok {
		t.Fatal("expected a signal to be ready")
	}
	if info.Signo != 11 {
		t.Fatalf("expected SIGSEGV to be chosen first, got %d", info.Signo)
	}
}

func TestDequeueRespectsMask(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	q.post(SigInfo{Signo: 10})

	var blocked SigSet
	blocked.Add(10)
	if _, ok := q.dequeue(blocked); ok {
		t.Fatal("expected blocked signal to stay pending")
	}
	if _, ok := q.dequeue(0); !ok {
		t.Fatal("expected unblocked dequeue to find the signal")
	}
}

func TestDequeueKernelFaultBypassesBlock(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	q.post(SigInfo{Signo: 11, Code: SICodeKernel}) // SIGSEGV from CPU fault

	var blocked SigSet
	blocked.Add(11)
	info, ok := q.dequeue(blocked)
	if !ok {
		t.Fatal("expected SI_KERNEL SIGSEGV to bypass the mask")
	}
	if info.Signo != 11 {
		t.Fatalf("got signo %d", info.Signo)
	}
}

func TestClaimableKernelFaultBypassesBlock(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	q.post(SigInfo{Signo: 11, Code: SICodeKernel}) // SIGSEGV from CPU fault

	var blocked SigSet
	blocked.Add(11)
	signo, ok := q.claimable(blocked)
	if !ok {
		t.Fatal("expected SI_KERNEL SIGSEGV to be claimable despite the mask")
	}
	if signo != 11 {
		t.Fatalf("got signo %d", signo)
	}
}

func TestClaimableRespectsMaskForOrdinarySignal(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	q.post(SigInfo{Signo: 10}) // no SI_KERNEL code

	var blocked SigSet
	blocked.Add(10)
	if _, ok := q.claimable(blocked); ok {
		t.Fatal("expected blocked non-kernel signal to not be claimable")
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := newPool()
	q := newQueue(p)
	for i := 0; i < NSIGENTRY; i++ {
		if err := q.post(SigInfo{Signo: 1}); err != nil {
			t.Fatalf("post %d: unexpected error: %v", i, err)
		}
	}
	if err := q.post(SigInfo{Signo: 1}); err == nil {
		t.Fatal("expected pool exhaustion error after NSIGENTRY posts")
	}
}

func TestClaimMovesBetweenQueues(t *testing.T) {
	p := newPool()
	proc := newQueue(p)
	vcpu := newQueue(p)
	proc.post(SigInfo{Signo: 16})

	if !proc.claim(vcpu, 16) {
		t.Fatal("expected claim to succeed")
	}
	if proc.hasPending(16) {
		t.Fatal("signal should have left the process queue")
	}
	if !vcpu.hasPending(16) {
		t.Fatal("signal should now be on the vcpu queue")
	}
}
