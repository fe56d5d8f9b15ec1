package snapshot

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/sv641/km/pkg/guestmem"
	"github.com/sv641/km/pkg/machine"
)

// GuestInfo carries the payload descriptors a snapshot's NT_KM_GUEST
// and (if present) NT_KM_DYNLINKER notes record, so restore can
// re-`payload.Load` the same images.
type GuestInfo struct {
	Guest      PayloadInfo
	Dynlinker  *PayloadInfo // nil for statically linked payloads
}

// Create takes a live (paused) Machine and writes a snapshot file: one
// PT_LOAD per populated, non-reserved memory slot; one NT_PRSTATUS +
// NT_KM_VCPU pair per vCPU; one NT_FILE record per live region; and
// the payload descriptor notes. The caller must have already paused
// every vCPU (machine.Machine.RequestPause/WaitAllPaused) so register
// state is quiescent.
func Create(path string, m *machine.Machine, guest GuestInfo) error {
	exclude := map[uint32]bool{
		guestmem.ReservedSlot:   true,
		guestmem.VDSOSlot:       true,
		guestmem.KMGuestMemSlot: true,
	}
	live := m.Slots.LiveRegions(exclude)

	w := &Writer{}
	var fileEntries []FileMapEntry
	for _, r := range live {
		w.Regions = append(w.Regions, MemRegion{
			GVA: r.GPA, Bytes: r.Bytes,
			Flags: elf.PF_R | elf.PF_W,
		})
		end := r.GPA + uint64(len(r.Bytes))
		path := fmt.Sprintf("[guest-region-%d]", r.Slot)
		if name, ok := m.Mem.FilenameAt(r.GPA, end); ok {
			path = name
		}
		fileEntries = append(fileEntries, FileMapEntry{
			Start: r.GPA, End: end, FileOfs: 0,
			Path: path,
		})
	}

	for i := 0; i < m.NumVCPUs(); i++ {
		vcpu := m.VCPU(i)
		regs, err := vcpu.Regs()
		if err != nil {
			return fmt.Errorf("snapshot: read regs for vcpu %d: %w", i, err)
		}
		sregs, err := vcpu.Sregs()
		if err != nil {
			return fmt.Errorf("snapshot: read sregs for vcpu %d: %w", i, err)
		}
		pr := VCPUToPrStatus(int32(i+1), regs, sregs)
		w.Notes = append(w.Notes, EncodeNote(NTPRStatus, EncodePrStatus(pr)))

		altSP, altFlags, altSize, onAltStack := vcpu.AltStack()
		vinfo := VCPUInfo{
			VCPUID:        int32(vcpu.ID()),
			SigMask:       vcpu.SigMask,
			StackTop:      vcpu.StackTop,
			GuestThr:      vcpu.GuestThr,
			SetChildTID:   vcpu.SetChildTID,
			ClearChildTID: vcpu.ClearChildTID,
			AltStackSP:    altSP,
			AltStackFlags: altFlags,
			AltStackSize:  altSize,
			MapselfBase:   vcpu.MapselfBase,
			MapselfSize:   vcpu.MapselfSize,
		}
		if vcpu.IsPaused() {
			vinfo.Paused = 1
		}
		if onAltStack {
			vinfo.OnSigaltstack = 1
		}
		if vcpu.IsUsed {
			vinfo.IsUsed = 1
		}
		w.Notes = append(w.Notes, EncodeNote(NTKMVCPU, EncodeVCPUInfo(vinfo)))
		xsave, err := vcpu.XSave()
		if err != nil {
			return fmt.Errorf("snapshot: read xsave for vcpu %d: %w", i, err)
		}
		w.Notes = append(w.Notes, EncodeNote(NTKMXState, EncodeXState(xsave)))
		if i == 0 {
			w.Entry = regs.RIP
		}
	}

	w.Notes = append(w.Notes, EncodeNote(NTFile, EncodeFileMap(fileEntries, guestmem.PageSize)))
	w.Notes = append(w.Notes, EncodeNote(NTKMGuest, EncodePayloadInfo(guest.Guest)))
	if guest.Dynlinker != nil {
		w.Notes = append(w.Notes, EncodeNote(NTKMDynlinker, EncodePayloadInfo(*guest.Dynlinker)))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer f.Close()
	if err := w.Write(f); err != nil {
		return err
	}
	return nil
}
