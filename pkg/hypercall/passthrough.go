package hypercall

// This file holds the hypercalls whose guest-facing semantics are a
// straight translate-and-forward onto the matching host syscall, with
// no monitor-side state of their own — the same shape as rwHcall and
// ioctlHcall in handlers.go, just one file so the table in table.go
// isn't dominated by them.

// clockGettimeHcall: int clock_gettime(clockid_t clk_id, struct
// timespec *tp).
func clockGettimeHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	tp, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall2(syscallNo, args.Arg1, tp)
	return false, 0
}

// gettimeofdayHcall: int gettimeofday(struct timeval *tv, struct
// timezone *tz). tz is obsolete and almost always NULL, but is
// translated the same way a non-NULL tv is if a guest passes one.
func gettimeofdayHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	tv, err := gvaToKML(vcpu, args.Arg1)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	tz, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall2(syscallNo, tv, tz)
	return false, 0
}

// fstatHcall: int fstat(int fd, struct stat *buf).
func fstatHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	buf, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall2(syscallNo, args.Arg1, buf)
	return false, 0
}

// lstatHcall: int lstat(const char *path, struct stat *buf).
func lstatHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	path, err1 := gvaToKML(vcpu, args.Arg1)
	buf, err2 := gvaToKML(vcpu, args.Arg2)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall2(syscallNo, path, buf)
	return false, 0
}

// openatHcall: int openat(int dirfd, const char *pathname, int flags, mode_t mode).
func openatHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	pathname, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall4(syscallNo, args.Arg1, pathname, args.Arg3, args.Arg4)
	return false, 0
}

// pread64Hcall: ssize_t pread64(int fd, void *buf, size_t count, off_t offset).
func pread64Hcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	buf, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall4(syscallNo, args.Arg1, buf, args.Arg3, args.Arg4)
	return false, 0
}

// pwrite64Hcall: ssize_t pwrite64(int fd, const void *buf, size_t count, off_t offset).
func pwrite64Hcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	buf, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall4(syscallNo, args.Arg1, buf, args.Arg3, args.Arg4)
	return false, 0
}

// connectHcall: int connect(int sockfd, const struct sockaddr *addr, socklen_t addrlen).
func connectHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	addr, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, addr, args.Arg3)
	return false, 0
}

// recvfromHcall: ssize_t recvfrom(int sockfd, void *buf, size_t len,
// int flags, struct sockaddr *src_addr, socklen_t *addrlen).
func recvfromHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	buf, err1 := gvaToKML(vcpu, args.Arg2)
	srcAddr, err2 := gvaToKML(vcpu, args.Arg5)
	addrlen, err3 := gvaToKML(vcpu, args.Arg6)
	if err1 != nil || err2 != nil || err3 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall6(syscallNo, args.Arg1, buf, args.Arg3, args.Arg4, srcAddr, addrlen)
	return false, 0
}

// sendtoHcall: ssize_t sendto(int sockfd, const void *buf, size_t len,
// int flags, const struct sockaddr *dest_addr, socklen_t addrlen).
func sendtoHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	buf, err1 := gvaToKML(vcpu, args.Arg2)
	destAddr, err2 := gvaToKML(vcpu, args.Arg5)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall6(syscallNo, args.Arg1, buf, args.Arg3, args.Arg4, destAddr, args.Arg6)
	return false, 0
}

// getsocknameHcall: int getsockname(int sockfd, struct sockaddr *addr, socklen_t *addrlen).
func getsocknameHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	addr, err1 := gvaToKML(vcpu, args.Arg2)
	addrlen, err2 := gvaToKML(vcpu, args.Arg3)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, addr, addrlen)
	return false, 0
}

// getpeernameHcall: int getpeername(int sockfd, struct sockaddr *addr, socklen_t *addrlen).
func getpeernameHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	addr, err1 := gvaToKML(vcpu, args.Arg2)
	addrlen, err2 := gvaToKML(vcpu, args.Arg3)
	if err1 != nil || err2 != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, addr, addrlen)
	return false, 0
}

// clearChildTIDSetter is implemented by machine.VCPU: set_tid_address's
// argument becomes the vCPU's clear_child_tid, the guest address a real
// kernel zeroes and futex-wakes on thread exit.
type clearChildTIDSetter interface {
	SetClearChildTID(gva uint64)
}

// setTidAddressHcall: long set_tid_address(int *tidptr). Forwarded to
// the real syscall on the vCPU's own OS thread (machine.VCPU.Run locks
// one goroutine to one OS thread for its whole life, so "this thread"
// is a stable, meaningful target): the host kernel then owns clearing
// and futex-waking tidptr when that thread exits, exactly the behavior
// a guest expects from its own thread-exit notification. args.Arg1 is
// also recorded as the vCPU's ClearChildTID for snapshot round-trip
// fidelity, since this monitor's own thread-exit path never consults it.
func setTidAddressHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	tidptr, err := gvaToKML(vcpu, args.Arg1)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	if c, ok := vcpu.(clearChildTIDSetter); ok {
		c.SetClearChildTID(args.Arg1)
	}
	args.Ret = rawSyscall1(syscallNo, tidptr)
	return false, 0
}

// setitimerHcall: int setitimer(int which, const struct itimerval
// *new_value, struct itimerval *old_value). Grounds the itimer
// scenario's SIGALRM delivery path: the timer itself runs on the host,
// and its expiry arrives back at the guest as a normal SIGALRM through
// ksignal, not through this hypercall.
func setitimerHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	newValue, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	oldValue, err := gvaToKML(vcpu, args.Arg3)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall3(syscallNo, args.Arg1, newValue, oldValue)
	return false, 0
}

// getitimerHcall: int getitimer(int which, struct itimerval *curr_value).
func getitimerHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	currValue, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall2(syscallNo, args.Arg1, currValue)
	return false, 0
}

// futexHcall: long futex(int *uaddr, int futex_op, int val, const
// struct timespec *timeout, int *uaddr2, int val3).
//
// Forwarded directly to the host futex(2) on the translated uaddr:
// every vCPU's goroutine is locked to its own OS thread sharing this
// process's address space, so a guest futex on shared guest memory is
// a real futex on real shared host memory, not an emulation problem.
// timeout and uaddr2 are only meaningful for a subset of futex_op
// values; both are translated when non-NULL and passed through as-is
// (0) otherwise, matching what the real syscall expects for the ops
// that ignore them.
func futexHcall(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
	uaddr, err := gvaToKML(vcpu, args.Arg1)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	timeout, err := gvaToKML(vcpu, args.Arg4)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	uaddr2, err := gvaToKML(vcpu, args.Arg5)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = rawSyscall6(syscallNo, uaddr, args.Arg2, args.Arg3, timeout, uaddr2, args.Arg6)
	return false, 0
}
