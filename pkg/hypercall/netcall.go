package hypercall

import (
	"unsafe"

	"github.com/sv641/km/pkg/netcap"
)

// HCNetCall is a pseudo syscall number outside the real Linux x86-64
// syscall range, reserved for the packet-capture subfunction
// multiplexor. The guest's libc shim issues this hypercall directly;
// no real Linux syscall shares this number.
const HCNetCall = 1000

// Net subfunctions, carried in Args.Arg1.
const (
	NetRecvPacket  = 1
	NetSendPacket  = 2
	NetSIOCGIFName = 3
)

// ifNameBufLen bounds how much of the interface name NetSIOCGIFName
// will copy back, matching IFNAMSIZ.
const ifNameBufLen = 16

// newNetHcall builds the HC_net_call handler bound to a concrete tap.
// A nil tap answers every subfunction with -EFAULT rather than
// panicking, so a monitor run without networking configured still
// handles a guest that probes for it.
func newNetHcall(tap *netcap.Tap) handlerFn {
	return func(vcpu resolver, syscallNo uint16, args *Args) (bool, int) {
		switch args.Arg1 {
		case NetRecvPacket, NetSendPacket, NetSIOCGIFName:
			if tap == nil {
				args.Ret = uint64(efault)
				return false, 0
			}
		default:
			args.Ret = uint64(efault)
			return false, 0
		}
		switch args.Arg1 {
		case NetRecvPacket:
			return netRecv(vcpu, tap, args)
		case NetSendPacket:
			return netSend(vcpu, tap, args)
		default:
			return netIfName(vcpu, tap, args)
		}
	}
}

// netRecv: Arg2 is the guest buffer, Arg3 its capacity. Returns the
// number of bytes copied, or 0 if no frame is currently available.
func netRecv(vcpu resolver, tap *netcap.Tap, args *Args) (bool, int) {
	frame, err := tap.RecvPacket()
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	if frame == nil {
		args.Ret = 0
		return false, 0
	}
	if uint64(len(frame)) > args.Arg3 {
		frame = frame[:args.Arg3]
	}
	dst, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	copyToKMA(dst, frame)
	args.Ret = uint64(len(frame))
	return false, 0
}

// netSend: Arg2 is the guest buffer, Arg3 its length.
func netSend(vcpu resolver, tap *netcap.Tap, args *Args) (bool, int) {
	src, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	frame := copyFromKMA(src, int(args.Arg3))
	if err := tap.SendPacket(frame); err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	args.Ret = args.Arg3
	return false, 0
}

// netIfName: Arg2 is a guest buffer at least ifNameBufLen bytes.
func netIfName(vcpu resolver, tap *netcap.Tap, args *Args) (bool, int) {
	dst, err := gvaToKML(vcpu, args.Arg2)
	if err != nil {
		args.Ret = uint64(efault)
		return false, 0
	}
	name := []byte(tap.IfName())
	if len(name) > ifNameBufLen-1 {
		name = name[:ifNameBufLen-1]
	}
	buf := make([]byte, ifNameBufLen)
	copy(buf, name)
	copyToKMA(dst, buf)
	args.Ret = 0
	return false, 0
}

func copyToKMA(dst uint64, src []byte) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dst))), len(src))
	copy(d, src)
}

func copyFromKMA(src uint64, n int) []byte {
	s := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src))), n)
	buf := make([]byte, n)
	copy(buf, s)
	return buf
}
