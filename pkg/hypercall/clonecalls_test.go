package hypercall

import "testing"

func TestCloneHcallRequiresConcreteVCPU(t *testing.T) {
	f := &fakeResolver{mem: make([]byte, 64)}
	fn := newCloneHcall(0x1000, 0x2000)
	args := &Args{}
	halted, _ := fn(f, 0, args)
	if halted {
		t.Fatal("clone should never request halt")
	}
	if int64(args.Ret) != efault {
		t.Fatalf("expected EFAULT: fakeResolver is not a *machine.VCPU, got %d", int64(args.Ret))
	}
}
