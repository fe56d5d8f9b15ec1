// Package ksignal implements the guest signal engine: process-wide and
// per-vCPU pending queues drawn from a small fixed pool, POSIX signal
// classification, in-guest signal-frame construction, and the
// sigaction/sigprocmask/kill/tkill/sigpending/sigreturn operations a
// guest reaches via hypercall.
package ksignal

import "golang.org/x/sys/unix"

// NSIG bounds the signal number space this engine tracks, matching the
// original's use of Linux's _NSIG (64: 31 standard + 32 realtime + 1).
const NSIG = 64

// SigSet is a signal bitmask, one bit per signal number (bit 0 unused,
// signal numbers are 1-based).
type SigSet uint64

func (s *SigSet) Add(signo int)        { *s |= SigSet(1) << uint(signo) }
func (s *SigSet) Del(signo int)        { *s &^= SigSet(1) << uint(signo) }
func (s SigSet) IsMember(signo int) bool { return s&(SigSet(1)<<uint(signo)) != 0 }

// sigIndex maps a 1-based signal number to a 0-based array index, the
// same adjustment km_sigindex() makes.
func sigIndex(signo int) int { return signo - 1 }

// Classification sets, built once at package init from the same
// standard-signals taxonomy as the original (GNU libc's "Standard
// Signals" table and signal(7)'s default-disposition table). Most of
// these aren't consulted by the engine yet but are kept available the
// same way upstream kept them — future hypercalls (SIGALRM-driven
// timers, job control) will want them.
var (
	perrorSignals   SigSet // program errors: terminate, core if default
	termSignals     SigSet
	alarmSignals    SigSet
	aioSignals      SigSet
	jcSignals       SigSet
	oerrorSignals   SigSet
	miscSignals     SigSet
	ignBlockSignals SigSet // ignore SIG_BLOCK if generated by CPU fault (SI_KERNEL)
	noCatchSignals  SigSet // can't be caught, blocked, or ignored
	defIgnSignals   SigSet // default disposition is ignore
)

func init() {
	add := func(set *SigSet, signos ...unix.Signal) {
		for _, s := range signos {
			set.Add(int(s))
		}
	}

	add(&perrorSignals, unix.SIGFPE, unix.SIGILL, unix.SIGSEGV, unix.SIGBUS,
		unix.SIGABRT, unix.SIGIOT, unix.SIGTRAP, unix.SIGSYS)

	add(&termSignals, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGKILL, unix.SIGHUP)

	add(&alarmSignals, unix.SIGALRM, unix.SIGVTALRM, unix.SIGPROF)

	add(&aioSignals, unix.SIGIO, unix.SIGURG, unix.SIGPOLL)

	add(&jcSignals, unix.SIGCHLD, unix.SIGCONT, unix.SIGSTOP, unix.SIGTTIN, unix.SIGTTOU)

	add(&oerrorSignals, unix.SIGPIPE, unix.SIGXCPU, unix.SIGXFSZ)

	add(&miscSignals, unix.SIGUSR1, unix.SIGUSR2, unix.SIGWINCH)

	add(&ignBlockSignals, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGSEGV)

	add(&noCatchSignals, unix.SIGKILL, unix.SIGSTOP)

	add(&defIgnSignals, unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH)
}

// IsProgramError reports whether signo is a program-error signal
// (SIGFPE/SIGILL/SIGSEGV/SIGBUS/SIGABRT/SIGIOT/SIGTRAP/SIGSYS), which
// get a core dump on their default disposition.
func IsProgramError(signo int) bool { return perrorSignals.IsMember(signo) }

// IsNoCatch reports whether signo cannot be caught, blocked, or ignored.
func IsNoCatch(signo int) bool { return noCatchSignals.IsMember(signo) }

// IsDefaultIgnore reports whether signo's default disposition is ignore.
func IsDefaultIgnore(signo int) bool { return defIgnSignals.IsMember(signo) }

// ignoresBlockIfKernel reports whether signo, when raised by a CPU
// fault (SI_KERNEL), must bypass the guest's signal mask. man
// sigprocmask(2) leaves this case undefined; this engine treats it as
// "do not ignore the mask", since silently dropping a guest's SIGSEGV
// because it happened to be blocked would hide real bugs.
func ignoresBlockIfKernel(signo int) bool { return ignBlockSignals.IsMember(signo) }

// SICodeKernel is siginfo_t's si_code value for CPU-fault-generated
// signals, mirroring Linux's SI_KERNEL.
const SICodeKernel = 0x80
