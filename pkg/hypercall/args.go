// Package hypercall implements the guest-visible hypercall ABI: each
// Linux syscall the payload issues arrives as an OUTL to port
// 0x8000+nr carrying the guest physical address of a fixed argument
// block, and is serviced here by translating guest pointers and
// issuing the real syscall on the monitor's behalf.
package hypercall

import (
	"fmt"
	"unsafe"
)

// Args mirrors km_hc_args_t: the fixed seven-uint64 block a guest OUTL
// points at. Ret carries the syscall return value back to the guest;
// Arg1..Arg6 are the up-to-six syscall arguments, passed as raw
// uint64s (guest addresses among them, translated per-call below since
// there is no generic marshaling, same as the original).
type Args struct {
	Ret  uint64
	Arg1 uint64
	Arg2 uint64
	Arg3 uint64
	Arg4 uint64
	Arg5 uint64
	Arg6 uint64
}

// resolver is satisfied by machine.VCPU; narrowed to a local interface
// so handler unit tests can fake address translation without standing
// up a real KVM vCPU.
type resolver interface {
	GVAToKMA(gva uint64) (uintptr, bool)
}

// loadArgs translates argsGVA to this process's address space and
// returns a pointer to the live Args block, so writing Ret back
// through it is visible to the guest without a second translation.
func loadArgs(vcpu resolver, argsGVA uint64) (*Args, error) {
	kma, ok := vcpu.GVAToKMA(argsGVA)
	if !ok {
		return nil, fmt.Errorf("hypercall: invalid args pointer %#x", argsGVA)
	}
	return (*Args)(unsafe.Pointer(kma)), nil
}

// gvaToKML translates a guest pointer argument to a kernel-memory
// address, the way km_gva_to_kml() does: on failure the syscall must
// see EFAULT, not a monitor crash, since a guest is always free to
// pass a bad pointer.
func gvaToKML(vcpu resolver, gva uint64) (uint64, error) {
	if gva == 0 {
		return 0, nil
	}
	kma, ok := vcpu.GVAToKMA(gva)
	if !ok {
		return 0, errEFAULT
	}
	return uint64(kma), nil
}

// errEFAULT is returned by argument translation helpers and converted
// to a syscall-shaped -EFAULT return in Args.Ret by the caller.
var errEFAULT = fmt.Errorf("hypercall: EFAULT")

// efault is -EFAULT in Linux errno convention. It is deliberately a
// var, not a const: Go's constant-conversion rules reject converting a
// negative constant straight to an unsigned type (the same restriction
// that makes uint32(-1) illegal), but every call site here needs
// exactly that conversion to put a negative errno into Args.Ret.
var efault int64 = -14
