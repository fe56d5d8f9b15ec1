package hypercall

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// handlerFn services one hypercall: translate guest pointers in args,
// issue the real syscall, and write the result into args.Ret. status
// is set and haltRequested returned true only for exit/exit_group.
type handlerFn func(vcpu resolver, syscallNo uint16, args *Args) (haltRequested bool, exitStatus int)

// haltHcall services exit/exit_group: the guest's Arg1 is its exit
// status, and the vCPU loop must stop running rather than return a
// result to a guest that no longer exists.
func haltHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	return true, int(int32(args.Arg1))
}

// rwHcall services read/write: ssize_t read(int fd, void *buf, size_t count).
func rwHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	buf, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, buf, args.Arg3)
	return false, 0
}

// rwvHcall services readv/writev. Unlike a flat buffer, the iovec
// array itself is a guest pointer and every iov_base inside it is a
// separate guest pointer, so both the array and each element must be
// translated before the real readv/writev can run against it.
func rwvHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	cnt := int(args.Arg3)
	if cnt < 0 || cnt > 1024 {
		args.Ret = uint64(efault)
		return false, 0
	}
	guestIovKMA, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	guestIov := unsafe.Slice((*unix.Iovec)(unsafe.Pointer(uintptr(guestIovKMA))), cnt)
	iov := make([]unix.Iovec, cnt)
	for i := range guestIov {
		base, err := gvaToKML(vcpu, uint64(uintptr(unsafe.Pointer(guestIov[i].Base))))
		if err != nil {
			args.Ret = uint64(efault)
			return false, 0
		}
		iov[i].Base = (*byte)(unsafe.Pointer(uintptr(base)))
		iov[i].Len = guestIov[i].Len
	}
	var iovPtr uintptr
	if cnt > 0 {
		iovPtr = uintptr(unsafe.Pointer(&iov[0]))
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, uint64(iovPtr), uint64(cnt))
	return false, 0
}

// acceptHcall: int accept(int sockfd, struct sockaddr *addr, socklen_t *addrlen).
func acceptHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	addr, err1 := gvaToKML(vcpu, args.Arg2)
	addrlen, err2 := gvaToKML(vcpu, args.Arg3)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, addr, addrlen)
	return false, 0
}

// bindHcall: int bind(int sockfd, const struct sockaddr *addr, socklen_t addrlen).
func bindHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	addr, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, addr, args.Arg3)
	return false, 0
}

// listenHcall: int listen(int sockfd, int backlog).
func listenHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	args.Ret = rawSyscall2(syscallNo, args.Arg1, args.Arg2)
	return false, 0
}

// socketHcall: int socket(int domain, int type, int protocol).
func socketHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	args.Ret = rawSyscall3(syscallNo, args.Arg1, args.Arg2, args.Arg3)
	return false, 0
}

// getsockoptHcall: int getsockopt(int sockfd, int level, int optname,
// void *optval, socklen_t *optlen).
func getsockoptHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	optval, err1 := gvaToKML(vcpu, args.Arg4)
	optlen, err2 := gvaToKML(vcpu, args.Arg5)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall5(syscallNo, args.Arg1, args.Arg2, args.Arg3, optval, optlen)
	return false, 0
}

// setsockoptHcall: int setsockopt(int sockfd, int level, int optname,
// const void *optval, socklen_t optlen).
func setsockoptHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	optval, err := gvaToKML(vcpu, args.Arg4)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall5(syscallNo, args.Arg1, args.Arg2, args.Arg3, optval, args.Arg5)
	return false, 0
}

// ioctlHcall: int ioctl(int fd, unsigned long request, void *arg).
func ioctlHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	arg, err := gvaToKML(vcpu, args.Arg3)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, args.Arg2, arg)
	return false, 0
}

// statHcall: int stat(const char *path, struct stat *buf).
func statHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	path, err1 := gvaToKML(vcpu, args.Arg1)
	buf, err2 := gvaToKML(vcpu, args.Arg2)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall2(syscallNo, path, buf)
	return false, 0
}

// closeHcall: int close(int fd).
func closeHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	args.Ret = rawSyscall1(syscallNo, args.Arg1)
	return false, 0
}

// shutdownHcall: int shutdown(int sockfd, int how).
//
// The original implementation issues SYS_ioctl here instead of
// SYS_shutdown — a copy/paste bug from ioctl_hcall that this port does
// not reproduce, since a guest calling shutdown(2) should get
// shutdown(2) semantics, not ioctl(2) against its socket fd.
func shutdownHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	args.Ret = rawSyscall2(uint16(unix.SYS_SHUTDOWN), args.Arg1, args.Arg2)
	return false, 0
}

// brkHcall defers to the installed memory manager rather than issuing
// a real syscall: brk has no meaning outside guest address space
// bookkeeping.
func brkHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	b, ok := vcpu.(brkSetter)
	if !ok {
		args.Ret = uint64(efault)
		return false, 0
	}
	newBrk, err := b.SetBrk(args.Arg1)
	if err != nil {
		args.Ret = newBrk
		return false, 0
	}
	args.Ret = newBrk
	return false, 0
}

// brkSetter is implemented by machine.VCPU via its owning Machine's
// guest memory manager.
type brkSetter interface {
	SetBrk(newBrk uint64) (uint64, error)
}

func rawSyscall1(nr uint16, a1 uint64) uint64 {
	r, _, errno := unix.Syscall(uintptr(nr), uintptr(a1), 0, 0)
	return syscallResult(r, errno)
}

func rawSyscall2(nr uint16, a1, a2 uint64) uint64 {
	r, _, errno := unix.Syscall(uintptr(nr), uintptr(a1), uintptr(a2), 0)
	return syscallResult(r, errno)
}

func rawSyscall3(nr uint16, a1, a2, a3 uint64) uint64 {
	r, _, errno := unix.Syscall(uintptr(nr), uintptr(a1), uintptr(a2), uintptr(a3))
	return syscallResult(r, errno)
}

func rawSyscall4(nr uint16, a1, a2, a3, a4 uint64) uint64 {
	r, _, errno := unix.Syscall6(uintptr(nr), uintptr(a1), uintptr(a2), uintptr(a3), uintptr(a4), 0, 0)
	return syscallResult(r, errno)
}

func rawSyscall5(nr uint16, a1, a2, a3, a4, a5 uint64) uint64 {
	r, _, errno := unix.Syscall6(uintptr(nr), uintptr(a1), uintptr(a2), uintptr(a3), uintptr(a4), uintptr(a5), 0)
	return syscallResult(r, errno)
}

func rawSyscall6(nr uint16, a1, a2, a3, a4, a5, a6 uint64) uint64 {
	r, _, errno := unix.Syscall6(uintptr(nr), uintptr(a1), uintptr(a2), uintptr(a3), uintptr(a4), uintptr(a5), uintptr(a6))
	return syscallResult(r, errno)
}

func syscallResult(r uintptr, errno unix.Errno) uint64 {
	if errno != 0 {
		return uint64(-int64(errno))
	}
	return uint64(r)
}
