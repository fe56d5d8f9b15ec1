package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sv641/km/internal/payload"
	"github.com/sv641/km/pkg/guestmem"
	"github.com/sv641/km/pkg/hypercall"
	"github.com/sv641/km/pkg/ksignal"
	"github.com/sv641/km/pkg/machine"
	"github.com/sv641/km/pkg/mgmt"
	"github.com/sv641/km/pkg/netcap"
	"github.com/sv641/km/pkg/snapshot"
)

// payloadLoadBase is the guest virtual address a position-independent
// payload is relocated to; ET_EXEC images ignore it and use their own
// p_vaddr. Chosen well inside the identity-mapped low gigabyte.
const payloadLoadBase = 0x10000000

// interpLoadBase separates a dynamic linker's own mapping from the
// main payload's, the same way the kernel's ELF loader keeps ld.so
// out of the main image's address range.
const interpLoadBase = 0x20000000

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "km:", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseArgs()
	if err != nil {
		return err
	}
	cfg := loadConfig()

	log := logrus.New()
	if cfg.Trace {
		log.SetLevel(logrus.DebugLevel)
	}

	memSize, err := parseMemSize(opts.MemSize)
	if err != nil {
		return err
	}

	sig := ksignal.New(log)

	m, err := machine.New(machine.Config{
		MaxPhysMem: memSize,
		NumVCPUs:   opts.NumVCPUs,
		Log:        log,
		Signals:    sig,
	})
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()
	for i := 0; i < m.NumVCPUs(); i++ {
		sig.RegisterVCPU(m.VCPU(i))
	}

	gdtBase, pml4Addr, trampolineGVA, err := installBootPage(m.Slots)
	if err != nil {
		return err
	}
	m.SigreturnGVA = trampolineGVA

	if err := installReservedHelperPages(m.Mem, m.Slots); err != nil {
		return err
	}

	snapshotPath := opts.Snapshot
	if snapshotPath == "" {
		snapshotPath = cfg.SnapshotPath
	}

	var guestInfo snapshot.GuestInfo
	var entryGVA, stackGVA uint64

	if snapshotPath != "" {
		m.Mem.SetRecoveryMode(true)
		restored, err := snapshot.Restore(snapshotPath, m)
		m.Mem.SetRecoveryMode(false)
		if err != nil {
			return fmt.Errorf("restore %s: %w", snapshotPath, err)
		}
		guestInfo = snapshot.GuestInfo{Guest: restored.Guest, Dynlinker: restored.Dynlinker}
		regs, err := m.VCPU(0).Regs()
		if err != nil {
			return fmt.Errorf("read restored vcpu 0 regs: %w", err)
		}
		entryGVA, stackGVA = regs.RIP, regs.RSP
	} else {
		if opts.Args.Payload == "" {
			return fmt.Errorf("no payload specified")
		}
		desc, segs, err := payload.Load(opts.Args.Payload, payloadLoadBase)
		if err != nil {
			return err
		}
		mainBase, mainEnd, err := loadSegments(m, segs)
		if err != nil {
			return err
		}
		m.VCPU(0).SetMapself(mainBase, mainEnd-mainBase)
		guestInfo.Guest = snapshot.PayloadInfo{
			Path: desc.Filename, LoadAdjust: desc.LoadAdjust, EntryGVA: desc.EntryGVA,
		}
		entryGVA = desc.EntryGVA

		interp, err := payload.Interpreter(opts.Args.Payload)
		if err != nil {
			return err
		}
		if interp != "" {
			dynDesc, dynSegs, err := payload.Load(interp, interpLoadBase)
			if err != nil {
				return fmt.Errorf("load interpreter %s: %w", interp, err)
			}
			if _, _, err := loadSegments(m, dynSegs); err != nil {
				return err
			}
			dynInfo := snapshot.PayloadInfo{
				Path: dynDesc.Filename, LoadAdjust: dynDesc.LoadAdjust, EntryGVA: dynDesc.EntryGVA,
			}
			guestInfo.Dynlinker = &dynInfo
			entryGVA = dynDesc.EntryGVA
		}

		argv := append([]string{opts.Args.Payload}, opts.Args.Argv...)
		stackGVA, err = buildInitialStack(m, desc, argv, os.Environ())
		if err != nil {
			return err
		}
	}

	var tap *netcap.Tap
	if iface := os.Getenv("KM_NET_IFACE"); iface != "" {
		tap, err = netcap.Open(iface)
		if err != nil {
			return fmt.Errorf("open network interface %s: %w", iface, err)
		}
		defer tap.Close()
	}

	disp := hypercall.New(log, m.Mem, sig, tap,
		hypercall.Boot{GDTBase: gdtBase, PML4Addr: pml4Addr},
		func(vcpu *machine.VCPU, exitStatus int) {
			log.WithFields(logrus.Fields{"vcpu": vcpu.ID(), "status": exitStatus}).Info("guest halted")
			m.SetExitGroup()
		})
	m.SetIOHandler(disp)

	sig.OnFatal = func(vcpu *machine.VCPU, signo int, coreDump bool) {
		log.WithFields(logrus.Fields{"vcpu": vcpu.ID(), "signo": signo}).Warn("guest terminated by signal")
		if coreDump && cfg.SnapshotPath != "" {
			m.RequestPause()
			m.WaitAllPaused()
			if err := snapshot.Create(cfg.SnapshotPath, m, guestInfo); err != nil {
				log.WithError(err).Error("failed to write core dump")
			}
		}
		m.SetExitGroup()
	}

	if snapshotPath == "" {
		if err := m.VCPU(0).SetEntry(entryGVA, stackGVA, gdtBase, pml4Addr); err != nil {
			return fmt.Errorf("set vcpu 0 entry: %w", err)
		}
	}

	if opts.WaitForSignal {
		m.RequestPause()
		resumeCh := make(chan os.Signal, 1)
		signal.Notify(resumeCh, syscall.SIGUSR1)
		go func() {
			<-resumeCh
			signal.Stop(resumeCh)
			m.Resume()
		}()
	}

	explicitPipe := opts.MgtPipe
	if explicitPipe == "" {
		explicitPipe = cfg.MgtPipe
	}
	sockPath, err := mgmt.SocketPath(cfg.MgtDir, explicitPipe, os.Args[0])
	if err != nil {
		return err
	}
	srv, err := mgmt.New(log, &snapshotter{m: m, guest: guestInfo, log: log}, sockPath)
	if err != nil {
		return fmt.Errorf("start management server: %w", err)
	}
	if srv != nil {
		go srv.Serve()
		defer srv.Close()
	}

	return m.Run()
}

// loadSegments copies every ELF PT_LOAD segment into guest memory,
// zero-filling the memsz-filesz tail (BSS) that payload.Load leaves
// absent from Segment.Data, and advances brk past the last one so the
// heap starts right after the image. It returns the guest-virtual span
// [minGVA, maxEnd) the segments covered, the vcpu model's mapself_base/
// mapself_size for whichever image this call loaded.
func loadSegments(m *machine.Machine, segs []payload.Segment) (minGVA, maxEnd uint64, err error) {
	minGVA = math.MaxUint64
	for _, seg := range segs {
		buf := make([]byte, seg.MemSize)
		copy(buf, seg.Data)
		if err := writeGuestBytes(m.Slots, m.Mem, seg.GVA, buf); err != nil {
			return 0, 0, fmt.Errorf("load segment at %#x: %w", seg.GVA, err)
		}
		if seg.GVA < minGVA {
			minGVA = seg.GVA
		}
		if end := seg.GVA + seg.MemSize; end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd == 0 {
		return 0, 0, nil
	}
	brk := (maxEnd + guestmem.PageSize - 1) &^ (guestmem.PageSize - 1)
	if _, err := m.Mem.SetBrk(brk); err != nil {
		return 0, 0, err
	}
	if err := m.Slots.GrowLow(brk); err != nil {
		return 0, 0, err
	}
	return minGVA, maxEnd, nil
}
