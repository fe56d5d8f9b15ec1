package hypercall

import (
	"testing"

	"github.com/sv641/km/pkg/guestmem"
)

// fakeTBrkVCPU backs both resolver and tbrkSetter against a real
// guestmem.Manager, so mmap's bump-allocator math can be exercised
// without a live KVM vCPU.
type fakeTBrkVCPU struct {
	fakeResolver
	mm *guestmem.Manager
}

func (f *fakeTBrkVCPU) SetTBrk(newTBrk uint64) (uint64, error) {
	return f.mm.SetTBrk(newTBrk)
}

// Slice completes relocatorVCPU so mremap reaches guestmem.Mremap; no
// host bytes back the fake, so a relocating copy would fail.
func (f *fakeTBrkVCPU) Slice(gva uint64, length int) ([]byte, bool) { return nil, false }

func TestMmapHcallMovesTBrkDown(t *testing.T) {
	mm := guestmem.NewManager(1 << 30)
	mm.Brk = guestmem.GuestMemStartVA
	before := mm.TBrk

	v := &fakeTBrkVCPU{fakeResolver: fakeResolver{mem: make([]byte, 64)}, mm: mm}
	fn := newMmapHcall(mm)

	args := &Args{Arg2: 4096}
	halted, _ := fn(v, 0, args)
	if halted {
		t.Fatal("mmap should never request halt")
	}
	if int64(args.Ret) < 0 {
		t.Fatalf("expected a guest address back, got errno %d", int64(args.Ret))
	}
	if mm.TBrk != before-4096 {
		t.Fatalf("tbrk = %#x, want %#x", mm.TBrk, before-4096)
	}
	if args.Ret != mm.TBrk {
		t.Fatalf("returned address %#x does not match new tbrk %#x", args.Ret, mm.TBrk)
	}
}

func TestMmapHcallFailsWhenGapExhausted(t *testing.T) {
	mm := guestmem.NewManager(1 << 30)
	mm.Brk = mm.TBrk - 4096 // leave no room

	v := &fakeTBrkVCPU{fakeResolver: fakeResolver{mem: make([]byte, 64)}, mm: mm}
	fn := newMmapHcall(mm)

	args := &Args{Arg2: 8192}
	fn(v, 0, args)
	if int64(args.Ret) != eNoMem {
		t.Fatalf("expected ENOMEM, got %d", int64(args.Ret))
	}
}

func TestMunmapHcallRejectsUnknownRegion(t *testing.T) {
	mm := guestmem.NewManager(1 << 30)
	mm.Brk = guestmem.GuestMemStartVA
	v := &fakeTBrkVCPU{fakeResolver: fakeResolver{mem: make([]byte, 64)}, mm: mm}
	fn := newMunmapHcall(mm)

	args := &Args{Arg1: 1000, Arg2: 4096}
	fn(v, 0, args)
	if int64(args.Ret) != eInval {
		t.Fatalf("expected EINVAL for an address with no tracked region, got %d", int64(args.Ret))
	}
}

func TestMunmapHcallReclaimsTBrk(t *testing.T) {
	mm := guestmem.NewManager(1 << 30)
	mm.Brk = guestmem.GuestMemStartVA
	before := mm.TBrk
	v := &fakeTBrkVCPU{fakeResolver: fakeResolver{mem: make([]byte, 64)}, mm: mm}

	mapFn := newMmapHcall(mm)
	mapArgs := &Args{Arg2: 4096, Arg5: ^uint64(0) /* fd = -1, anonymous */}
	mapFn(v, 0, mapArgs)
	if mm.TBrk != before-4096 {
		t.Fatalf("tbrk after mmap = %#x, want %#x", mm.TBrk, before-4096)
	}

	unmapFn := newMunmapHcall(mm)
	unmapArgs := &Args{Arg1: mapArgs.Ret, Arg2: 4096}
	unmapFn(v, 0, unmapArgs)
	if int64(unmapArgs.Ret) != 0 {
		t.Fatalf("expected munmap to succeed, got errno %d", int64(unmapArgs.Ret))
	}
	if mm.TBrk != before {
		t.Fatalf("tbrk after munmap = %#x, want it restored to %#x", mm.TBrk, before)
	}
}

func TestMremapHcallGrowRequiresMaymove(t *testing.T) {
	mm := guestmem.NewManager(1 << 30)
	mm.Brk = guestmem.GuestMemStartVA
	v := &fakeTBrkVCPU{fakeResolver: fakeResolver{mem: make([]byte, 64)}, mm: mm}

	mapFn := newMmapHcall(mm)
	mapArgs := &Args{Arg2: 4096, Arg5: ^uint64(0)}
	mapFn(v, 0, mapArgs)

	fn := newMremapHcall(mm)
	args := &Args{Arg1: mapArgs.Ret, Arg2: 4096, Arg3: 8192}
	fn(v, 0, args)
	if int64(args.Ret) != eNoMem {
		t.Fatalf("expected ENOMEM without MREMAP_MAYMOVE, got %d", int64(args.Ret))
	}
}
