package snapshot

import (
	"fmt"
	"unsafe"

	"github.com/sv641/km/internal/kvmapi"
)

// PrStatus mirrors the struct elf_prstatus fields this engine actually
// populates: the owning vCPU's pid-slot and the 27-entry pr_reg[]
// general-register array, in exactly the index order the original
// core-dump convention uses for x86-64 (r15 first, through the
// duplicated fs_base/gs_base pair at the end).
type PrStatus struct {
	PrPid  int32
	_      [4]byte
	PrReg  [27]uint64
}

// Indices into PrReg, named for readability; values fixed by the
// x86-64 core-dump register order and must never be renumbered once a
// snapshot file using them exists.
const (
	regR15 = iota
	regR14
	regR13
	regR12
	regRBP
	regRBX
	regR11
	regR10
	regR9
	regR8
	regRAX
	regRCX
	regRDX
	regRSI
	regRDI
	regOrigRAX
	regRIP
	regCSBase
	regRFLAGS
	regRSP
	regSSBase
	regFSBase
	regGSBase
	regDSBase
	regESBase
	regFSBaseDup
	regGSBaseDup
)

// VCPUToPrStatus captures a vCPU's general registers and segment
// bases into a PrStatus, ready to be encoded as an NT_PRSTATUS note.
func VCPUToPrStatus(pid int32, regs *kvmapi.Regs, sregs *kvmapi.Sregs) PrStatus {
	var pr PrStatus
	pr.PrPid = pid
	pr.PrReg[regR15] = regs.R15
	pr.PrReg[regR14] = regs.R14
	pr.PrReg[regR13] = regs.R13
	pr.PrReg[regR12] = regs.R12
	pr.PrReg[regRBP] = regs.RBP
	pr.PrReg[regRBX] = regs.RBX
	pr.PrReg[regR11] = regs.R11
	pr.PrReg[regR10] = regs.R10
	pr.PrReg[regR9] = regs.R9
	pr.PrReg[regR8] = regs.R8
	pr.PrReg[regRAX] = regs.RAX
	pr.PrReg[regRCX] = regs.RCX
	pr.PrReg[regRDX] = regs.RDX
	pr.PrReg[regRSI] = regs.RSI
	pr.PrReg[regRDI] = regs.RDI
	pr.PrReg[regOrigRAX] = regs.RAX // no separate orig_rax tracked; see restore note below
	pr.PrReg[regRIP] = regs.RIP
	pr.PrReg[regCSBase] = sregs.CS.Base
	pr.PrReg[regRFLAGS] = regs.RFLAGS
	pr.PrReg[regRSP] = regs.RSP
	pr.PrReg[regSSBase] = sregs.SS.Base
	pr.PrReg[regFSBase] = sregs.FS.Base
	pr.PrReg[regGSBase] = sregs.GS.Base
	pr.PrReg[regDSBase] = sregs.DS.Base
	pr.PrReg[regESBase] = sregs.ES.Base
	pr.PrReg[regFSBaseDup] = sregs.FS.Base
	pr.PrReg[regGSBaseDup] = sregs.GS.Base
	return pr
}

// ApplyPrStatus restores a vCPU's general registers and segment bases
// from a decoded PrStatus.
//
// The original restore code assigns both pr_reg[10] (true rax) and
// pr_reg[15] (orig_rax) into vcpu->regs.rax, so the second write
// silently clobbers the first — its own source comment ("orig_ax?")
// flags the uncertainty. This port keeps orig_rax at its index for
// format compatibility but does not let it overwrite RAX: there is no
// live register in this engine's ABI that orig_rax corresponds to
// (the hypercall ABI has no ptrace-style syscall-restart path), so it
// is read back only for round-trip fidelity and otherwise discarded.
func ApplyPrStatus(pr PrStatus, regs *kvmapi.Regs, sregs *kvmapi.Sregs) {
	regs.R15 = pr.PrReg[regR15]
	regs.R14 = pr.PrReg[regR14]
	regs.R13 = pr.PrReg[regR13]
	regs.R12 = pr.PrReg[regR12]
	regs.RBP = pr.PrReg[regRBP]
	regs.RBX = pr.PrReg[regRBX]
	regs.R11 = pr.PrReg[regR11]
	regs.R10 = pr.PrReg[regR10]
	regs.R9 = pr.PrReg[regR9]
	regs.R8 = pr.PrReg[regR8]
	regs.RAX = pr.PrReg[regRAX]
	regs.RCX = pr.PrReg[regRCX]
	regs.RDX = pr.PrReg[regRDX]
	regs.RSI = pr.PrReg[regRSI]
	regs.RDI = pr.PrReg[regRDI]
	regs.RIP = pr.PrReg[regRIP]
	sregs.CS.Base = pr.PrReg[regCSBase]
	regs.RFLAGS = pr.PrReg[regRFLAGS]
	regs.RSP = pr.PrReg[regRSP]
	sregs.SS.Base = pr.PrReg[regSSBase]
	sregs.FS.Base = pr.PrReg[regFSBase]
	sregs.GS.Base = pr.PrReg[regGSBase]
	sregs.DS.Base = pr.PrReg[regDSBase]
	sregs.ES.Base = pr.PrReg[regESBase]
}

// EncodePrStatus serializes a PrStatus for an NT_PRSTATUS note. x86-64
// is little-endian and this format is never expected to cross
// architectures, so a raw in-memory layout copy is used rather than a
// portable encoder, the same way the original's elf_prstatus is
// written straight out of its C struct layout.
func EncodePrStatus(pr PrStatus) []byte {
	return append([]byte(nil), asBytes(unsafe.Pointer(&pr), int(unsafe.Sizeof(pr)))...)
}

// DecodePrStatus parses an NT_PRSTATUS note's descriptor bytes.
func DecodePrStatus(desc []byte) (PrStatus, error) {
	var pr PrStatus
	if len(desc) < int(unsafe.Sizeof(pr)) {
		return pr, fmt.Errorf("snapshot: short NT_PRSTATUS descriptor (%d bytes)", len(desc))
	}
	copy(asBytes(unsafe.Pointer(&pr), int(unsafe.Sizeof(pr))), desc)
	return pr, nil
}

func asBytes(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// VCPUInfo is this engine's NT_KM_VCPU descriptor: vCPU state the
// core-dump-standard prstatus has no field for, mirroring km_vcpu_t's
// own snapshot-relevant fields (stack_top, guest_thr, the set/clear
// child tid pair, the sigaltstack descriptor, mapself_base/size and
// is_used) alongside this engine's signal mask and pause state. Its
// size is part of the snapshot format's compatibility surface, same as
// the original's own static_assert on sizeof(km_vcpu_t) — the line
// below fails to compile if VCPUInfo's layout changes size without a
// deliberate format-version bump.
type VCPUInfo struct {
	VCPUID        int32
	Paused        uint8
	OnSigaltstack uint8
	IsUsed        uint8
	_             [1]byte
	SigMask       uint64
	StackTop      uint64
	GuestThr      uint64
	SetChildTID   uint64
	ClearChildTID uint64
	AltStackSP    uint64
	AltStackFlags uint64
	AltStackSize  uint64
	MapselfBase   uint64
	MapselfSize   uint64
}

const vcpuInfoSize = 88

var _ = [vcpuInfoSize - int(unsafe.Sizeof(VCPUInfo{}))]byte{}
var _ = [int(unsafe.Sizeof(VCPUInfo{})) - vcpuInfoSize]byte{}

// EncodeVCPUInfo serializes a VCPUInfo for an NT_KM_VCPU note.
func EncodeVCPUInfo(v VCPUInfo) []byte {
	return append([]byte(nil), asBytes(unsafe.Pointer(&v), int(unsafe.Sizeof(v)))...)
}

// DecodeVCPUInfo parses an NT_KM_VCPU note's descriptor bytes.
func DecodeVCPUInfo(desc []byte) (VCPUInfo, error) {
	var v VCPUInfo
	if len(desc) < int(unsafe.Sizeof(v)) {
		return v, fmt.Errorf("snapshot: short NT_KM_VCPU descriptor (%d bytes)", len(desc))
	}
	copy(asBytes(unsafe.Pointer(&v), int(unsafe.Sizeof(v))), desc)
	return v, nil
}
