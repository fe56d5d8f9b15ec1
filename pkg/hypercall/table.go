package hypercall

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sv641/km/pkg/guestmem"
	"github.com/sv641/km/pkg/ksignal"
	"github.com/sv641/km/pkg/machine"
	"github.com/sv641/km/pkg/netcap"
)

// maxHcall bounds the dispatch table the same way KM_MAX_HCALL does:
// syscall numbers are small and dense on x86-64, so a flat array
// indexed by number is both simpler and faster than a map. It also
// has to reach HCNetCall, a pseudo number well above the real Linux
// syscall range.
const maxHcall = HCNetCall + 1

// enosys is the value written to Args.Ret for a syscall number this
// monitor has no handler for, matching -ENOSYS. A var for the same
// reason efault is: negative constants can't convert to uint64.
var enosys int64 = -38

// Dispatcher is the hypercall table: a syscall-number-indexed array of
// handlerFn, built once at startup and otherwise read-only, so it
// needs no locking across concurrent vCPUs.
type Dispatcher struct {
	table [maxHcall]handlerFn
	log   *logrus.Logger

	onHalt func(vcpu *machine.VCPU, exitStatus int)
}

// Boot carries the guest-physical addresses cmd/km installed into the
// reserved slot before starting vCPU 0, needed to bring a cloned vCPU
// up in the same flat address space rather than rebuilding them.
type Boot struct {
	GDTBase  uint64
	PML4Addr uint64
}

// New builds a Dispatcher with every hypercall this monitor supports
// registered, mirroring km_hcalls_init(). mm backs the mmap-family
// handlers' protection-bit adjustment; sig backs the signal-related
// hypercalls; tap may be nil if the monitor was started without a
// network interface, in which case HC_net_call always fails with
// EFAULT. onHalt is invoked when the guest calls exit/exit_group; the
// caller (cmd/km) decides whether that means stopping one vCPU or the
// whole process group.
func New(log *logrus.Logger, mm *guestmem.Manager, sig *ksignal.Engine, tap *netcap.Tap, boot Boot, onHalt func(vcpu *machine.VCPU, exitStatus int)) *Dispatcher {
	d := &Dispatcher{log: log, onHalt: onHalt}

	d.register(unix.SYS_EXIT, haltHcall)
	d.register(unix.SYS_EXIT_GROUP, haltHcall)
	d.register(unix.SYS_READ, rwHcall)
	d.register(unix.SYS_WRITE, rwHcall)
	d.register(unix.SYS_READV, rwvHcall)
	d.register(unix.SYS_WRITEV, rwvHcall)
	d.register(unix.SYS_PREAD64, pread64Hcall)
	d.register(unix.SYS_PWRITE64, pwrite64Hcall)
	d.register(unix.SYS_ACCEPT, acceptHcall)
	d.register(unix.SYS_BIND, bindHcall)
	d.register(unix.SYS_LISTEN, listenHcall)
	d.register(unix.SYS_SOCKET, socketHcall)
	d.register(unix.SYS_CONNECT, connectHcall)
	d.register(unix.SYS_RECVFROM, recvfromHcall)
	d.register(unix.SYS_SENDTO, sendtoHcall)
	d.register(unix.SYS_GETSOCKNAME, getsocknameHcall)
	d.register(unix.SYS_GETPEERNAME, getpeernameHcall)
	d.register(unix.SYS_GETSOCKOPT, getsockoptHcall)
	d.register(unix.SYS_SETSOCKOPT, setsockoptHcall)
	d.register(unix.SYS_IOCTL, ioctlHcall)
	d.register(unix.SYS_STAT, statHcall)
	d.register(unix.SYS_FSTAT, fstatHcall)
	d.register(unix.SYS_LSTAT, lstatHcall)
	d.register(unix.SYS_OPENAT, openatHcall)
	d.register(unix.SYS_CLOSE, closeHcall)
	d.register(unix.SYS_SHUTDOWN, shutdownHcall)
	d.register(unix.SYS_BRK, brkHcall)
	d.register(unix.SYS_CLOCK_GETTIME, clockGettimeHcall)
	d.register(unix.SYS_GETTIMEOFDAY, gettimeofdayHcall)
	d.register(unix.SYS_SET_TID_ADDRESS, setTidAddressHcall)
	d.register(unix.SYS_FUTEX, futexHcall)
	d.register(unix.SYS_SETITIMER, setitimerHcall)
	d.register(unix.SYS_GETITIMER, getitimerHcall)

	d.register(unix.SYS_MMAP, newMmapHcall(mm))
	d.register(unix.SYS_MUNMAP, newMunmapHcall(mm))
	d.register(unix.SYS_MPROTECT, newMprotectHcall(mm))
	d.register(unix.SYS_MREMAP, newMremapHcall(mm))
	d.register(unix.SYS_MADVISE, newMadviseHcall(mm))
	d.register(unix.SYS_MSYNC, newMsyncHcall(mm))
	d.register(unix.SYS_SIGALTSTACK, sigaltstackHcall)

	if sig != nil {
		d.register(unix.SYS_RT_SIGACTION, newRtSigactionHcall(sig))
		d.register(unix.SYS_RT_SIGPROCMASK, newRtSigprocmaskHcall(sig))
		d.register(unix.SYS_RT_SIGRETURN, newRtSigreturnHcall(sig))
		d.register(unix.SYS_RT_SIGPENDING, newRtSigpendingHcall(sig))
		d.register(unix.SYS_KILL, newKillHcall(sig))
		d.register(unix.SYS_TKILL, newTkillHcall(sig))
	}

	d.register(unix.SYS_CLONE, newCloneHcall(boot.GDTBase, boot.PML4Addr))

	d.register(HCNetCall, newNetHcall(tap))
	return d
}

func (d *Dispatcher) register(nr int, fn handlerFn) {
	d.table[nr] = fn
}

// HandleHypercall implements machine.IOTrapHandler. A syscall number
// with no registered handler is not a monitor error: the guest gets
// -ENOSYS back, the same as a real kernel that doesn't implement a
// given syscall, and execution continues.
func (d *Dispatcher) HandleHypercall(vcpu *machine.VCPU, syscallNo uint16, argsGVA uint64) error {
	args, err := loadArgs(vcpu, argsGVA)
	if err != nil {
		return err
	}
	if int(syscallNo) >= len(d.table) || d.table[syscallNo] == nil {
		args.Ret = uint64(enosys)
		return nil
	}
	halted, status := d.table[syscallNo](vcpu, syscallNo, args)
	if halted && d.onHalt != nil {
		d.onHalt(vcpu, status)
	}
	return nil
}

var _ machine.IOTrapHandler = (*Dispatcher)(nil)
