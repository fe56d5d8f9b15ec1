package snapshot

import (
	"fmt"

	"github.com/sv641/km/internal/kvmapi"
	"github.com/sv641/km/pkg/machine"
)

// RestoredGuest is what Restore hands back: the guest/dynlinker
// descriptors the caller (cmd/km) needs to finish wiring up a
// restored machine (re-opening payload files is the caller's job,
// since pkg/snapshot has no opinion on how payload.Load is invoked).
type RestoredGuest struct {
	Guest     PayloadInfo
	Dynlinker *PayloadInfo
	FileMap   []FileMapEntry
}

// Restore loads every PT_LOAD region from path directly into m's guest
// memory and applies every NT_PRSTATUS/NT_KM_VCPU pair to m's vCPUs:
// the notes of each type are collected in the order they appear in the
// file, and one loop applies the i-th NT_PRSTATUS note and then the
// i-th NT_KM_VCPU note to vCPU i.
//
// m must already have its vCPUs created (same count as the snapshot's
// NT_PRSTATUS notes) but not yet running. Mem.SetRecoveryMode(true)
// must be set by the caller before calling Restore, and cleared after,
// so region consolidation doesn't run mid-restore.
func Restore(path string, m *machine.Machine) (*RestoredGuest, error) {
	snap, err := Read(path)
	if err != nil {
		return nil, err
	}

	for _, r := range snap.Regions {
		if err := m.Slots.WriteAt(r.GVA, r.Bytes); err != nil {
			return nil, fmt.Errorf("snapshot: restore region at %#x: %w", r.GVA, err)
		}
	}

	prNotes := NotesOfType(snap.Notes, NTPRStatus)
	vcpuNotes := NotesOfType(snap.Notes, NTKMVCPU)
	xstateNotes := NotesOfType(snap.Notes, NTKMXState)
	if len(prNotes) != m.NumVCPUs() || len(vcpuNotes) != m.NumVCPUs() {
		return nil, fmt.Errorf("snapshot: %d NT_PRSTATUS/%d NT_KM_VCPU notes for %d configured vCPUs",
			len(prNotes), len(vcpuNotes), m.NumVCPUs())
	}
	// xstateNotes may be absent entirely in a snapshot written before
	// NT_KM_XSTATE existed; restore tolerates that and leaves the
	// vCPU's extended state at whatever KVM defaulted it to.
	if len(xstateNotes) != 0 && len(xstateNotes) != m.NumVCPUs() {
		return nil, fmt.Errorf("snapshot: %d NT_KM_XSTATE notes for %d configured vCPUs",
			len(xstateNotes), m.NumVCPUs())
	}
	for i := 0; i < m.NumVCPUs(); i++ {
		pr, err := DecodePrStatus(prNotes[i].Desc)
		if err != nil {
			return nil, fmt.Errorf("snapshot: vcpu %d: %w", i, err)
		}
		if int(pr.PrPid) != i+1 {
			return nil, fmt.Errorf("snapshot: vcpu %d: prstatus pr_pid=%d mismatch", i, pr.PrPid)
		}
		vinfo, err := DecodeVCPUInfo(vcpuNotes[i].Desc)
		if err != nil {
			return nil, fmt.Errorf("snapshot: vcpu %d: %w", i, err)
		}

		vcpu := m.VCPU(i)
		var regs kvmapi.Regs
		sregs, err := vcpu.Sregs()
		if err != nil {
			return nil, fmt.Errorf("snapshot: vcpu %d: read sregs: %w", i, err)
		}
		ApplyPrStatus(pr, &regs, sregs)
		if err := vcpu.SetSregs(sregs); err != nil {
			return nil, fmt.Errorf("snapshot: vcpu %d: set sregs: %w", i, err)
		}
		if err := vcpu.SetRegs(&regs); err != nil {
			return nil, fmt.Errorf("snapshot: vcpu %d: set regs: %w", i, err)
		}
		vcpu.SigMask = vinfo.SigMask
		vcpu.StackTop = vinfo.StackTop
		vcpu.GuestThr = vinfo.GuestThr
		vcpu.SetChildTID = vinfo.SetChildTID
		vcpu.SetClearChildTID(vinfo.ClearChildTID)
		if err := vcpu.SetAltStack(vinfo.AltStackSP, vinfo.AltStackFlags, vinfo.AltStackSize); err != nil {
			return nil, fmt.Errorf("snapshot: vcpu %d: restore altstack: %w", i, err)
		}
		vcpu.SetOnSigaltstack(vinfo.OnSigaltstack != 0)
		vcpu.SetMapself(vinfo.MapselfBase, vinfo.MapselfSize)

		if len(xstateNotes) != 0 {
			xsave, err := DecodeXState(xstateNotes[i].Desc)
			if err != nil {
				return nil, fmt.Errorf("snapshot: vcpu %d: %w", i, err)
			}
			if err := vcpu.SetXSave(xsave); err != nil {
				return nil, fmt.Errorf("snapshot: vcpu %d: set xsave: %w", i, err)
			}
		}
	}

	out := &RestoredGuest{}
	if fileNotes := NotesOfType(snap.Notes, NTFile); len(fileNotes) > 0 {
		fm, err := DecodeFileMap(fileNotes[0].Desc)
		if err != nil {
			return nil, err
		}
		out.FileMap = fm
	}
	if guestNotes := NotesOfType(snap.Notes, NTKMGuest); len(guestNotes) > 0 {
		pi, err := DecodePayloadInfo(guestNotes[0].Desc)
		if err != nil {
			return nil, err
		}
		out.Guest = pi
	}
	if dlNotes := NotesOfType(snap.Notes, NTKMDynlinker); len(dlNotes) > 0 {
		pi, err := DecodePayloadInfo(dlNotes[0].Desc)
		if err != nil {
			return nil, err
		}
		out.Dynlinker = &pi
	}
	return out, nil
}
