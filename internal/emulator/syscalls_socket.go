package emulator

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zboralski/potto/internal/sys"
)

// Socket syscalls. Address structures cross the boundary as raw bytes:
// the guest's sockaddr layout matches the host's, so marshalling is a
// byte copy plus length bookkeeping.

func (e *Emulator) virtSocket(domain, typ, protocol int32) int32 {
	fd, err := unix.Socket(int(domain), int(typ), int(protocol))
	if err != nil {
		return errnoReturn(err)
	}
	return int32(fd)
}

func (e *Emulator) virtBind(sockfd int32, addressAddr, addressLength uint32) int32 {
	buffer, err := e.mem.CopyBufferFromVM(addressAddr, addressLength)
	if err != nil {
		return -int32(unix.EFAULT)
	}
	_, _, errno := unix.Syscall(unix.SYS_BIND,
		uintptr(sockfd),
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(len(buffer)))
	if errno != 0 {
		return -int32(errno)
	}
	return 0
}

func (e *Emulator) virtConnect(sockfd int32, addressAddr, addressSize uint32) int32 {
	buffer, err := e.mem.CopyBufferFromVM(addressAddr, addressSize)
	if err != nil {
		return -int32(unix.EFAULT)
	}
	_, _, errno := unix.Syscall(unix.SYS_CONNECT,
		uintptr(sockfd),
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(len(buffer)))
	if errno != 0 {
		return -int32(errno)
	}
	return 0
}

func (e *Emulator) virtAccept(sockfd int32, addressAddr, addressLengthAddr uint32) int32 {
	lengthRaw, ok := e.copyParams(addressLengthAddr, 4)
	if !ok {
		return -int32(unix.EFAULT)
	}
	hostAddressLength := binary.LittleEndian.Uint32(lengthRaw)
	hostBuffer := make([]byte, hostAddressLength)

	var bufPtr unsafe.Pointer
	if len(hostBuffer) > 0 {
		bufPtr = unsafe.Pointer(&hostBuffer[0])
	}
	fd, _, errno := unix.Syscall(unix.SYS_ACCEPT,
		uintptr(sockfd),
		uintptr(bufPtr),
		uintptr(unsafe.Pointer(&hostAddressLength)))
	if errno != 0 {
		return -int32(errno)
	}

	n := hostAddressLength
	if n > uint32(len(hostBuffer)) {
		n = uint32(len(hostBuffer))
	}
	if err := e.mem.CopyToVM(addressAddr, hostBuffer[:n]); err != nil {
		return -int32(unix.EFAULT)
	}
	binary.LittleEndian.PutUint32(lengthRaw, hostAddressLength)
	if err := e.mem.CopyToVM(addressLengthAddr, lengthRaw); err != nil {
		return -int32(unix.EFAULT)
	}
	return int32(fd)
}

func (e *Emulator) virtRecvfrom(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.RecvFromParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeRecvFromParams(raw)

	buffer := make([]byte, params.Buffer.Length)

	var addressLength uint32
	if params.AddrLength != 0 {
		lengthRaw, ok := e.copyParams(params.AddrLength, 4)
		if !ok {
			return -int32(unix.EFAULT)
		}
		addressLength = binary.LittleEndian.Uint32(lengthRaw)
	}
	address := make([]byte, addressLength)

	var bufPtr, addrPtr unsafe.Pointer
	if len(buffer) > 0 {
		bufPtr = unsafe.Pointer(&buffer[0])
	}
	if params.Addr != 0 && len(address) > 0 {
		addrPtr = unsafe.Pointer(&address[0])
	}
	var lenPtr unsafe.Pointer
	if params.AddrLength != 0 {
		lenPtr = unsafe.Pointer(&addressLength)
	}

	n, _, errno := unix.Syscall6(unix.SYS_RECVFROM,
		uintptr(params.Sockfd),
		uintptr(bufPtr),
		uintptr(len(buffer)),
		uintptr(params.Flags),
		uintptr(addrPtr),
		uintptr(lenPtr))
	if errno != 0 {
		return -int32(errno)
	}

	if err := e.mem.CopyToVM(params.Buffer.Characters, buffer[:n]); err != nil {
		return -int32(unix.EFAULT)
	}
	if params.Addr != 0 {
		m := addressLength
		if m > uint32(len(address)) {
			m = uint32(len(address))
		}
		if err := e.mem.CopyToVM(params.Addr, address[:m]); err != nil {
			return -int32(unix.EFAULT)
		}
	}
	if params.AddrLength != 0 {
		lengthOut := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthOut, addressLength)
		if err := e.mem.CopyToVM(params.AddrLength, lengthOut); err != nil {
			return -int32(unix.EFAULT)
		}
	}
	return int32(n)
}

func (e *Emulator) virtGetsockopt(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.SockOptParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeSockOptParams(raw)

	if params.Option == unix.SO_PEERCRED {
		creds, err := unix.GetsockoptUcred(int(params.Sockfd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return errnoReturn(err)
		}
		buf := make([]byte, 12)
		binary.LittleEndian.PutUint32(buf, uint32(creds.Pid))
		binary.LittleEndian.PutUint32(buf[4:], creds.Uid)
		binary.LittleEndian.PutUint32(buf[8:], creds.Gid)
		if err := e.mem.CopyToVM(params.Value, buf); err != nil {
			return -int32(unix.EFAULT)
		}
		return 0
	}

	e.reporter.Diagnostic("Unsupported getsockopt option: %d", params.Option)
	e.DumpBacktrace()
	os.Exit(1)
	return 0
}

func (e *Emulator) virtSetsockopt(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.SockOptParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeSockOptParams(raw)

	if params.Option == unix.SO_RCVTIMEO {
		value, err := e.mem.CopyBufferFromVM(params.Value, params.ValueSize)
		if err != nil {
			return -int32(unix.EFAULT)
		}
		if len(value) < 8 {
			return -int32(unix.EINVAL)
		}
		tv := unix.Timeval{
			Sec:  int64(int32(binary.LittleEndian.Uint32(value))),
			Usec: int64(int32(binary.LittleEndian.Uint32(value[4:]))),
		}
		return errnoReturn(unix.SetsockoptTimeval(int(params.Sockfd), int(params.Level), unix.SO_RCVTIMEO, &tv))
	}

	e.reporter.Diagnostic("Unsupported setsockopt option: %d", params.Option)
	e.DumpBacktrace()
	os.Exit(1)
	return 0
}

// guestFdSetSize is the byte size of the guest's fd_set bitmap.
const guestFdSetSize = 128

func fdSetFromGuest(b []byte) *unix.FdSet {
	var set unix.FdSet
	for i := range set.Bits {
		set.Bits[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return &set
}

func fdSetToGuest(set *unix.FdSet) []byte {
	out := make([]byte, guestFdSetSize)
	for i, bits := range set.Bits {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(bits))
	}
	return out
}

func (e *Emulator) virtSelect(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.SelectParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeSelectParams(raw)

	var readfds, writefds, exceptfds *unix.FdSet
	if params.Readfds != 0 {
		b, ok := e.copyParams(params.Readfds, guestFdSetSize)
		if !ok {
			return -int32(unix.EFAULT)
		}
		readfds = fdSetFromGuest(b)
	}
	if params.Writefds != 0 {
		b, ok := e.copyParams(params.Writefds, guestFdSetSize)
		if !ok {
			return -int32(unix.EFAULT)
		}
		writefds = fdSetFromGuest(b)
	}
	if params.Exceptfds != 0 {
		b, ok := e.copyParams(params.Exceptfds, guestFdSetSize)
		if !ok {
			return -int32(unix.EFAULT)
		}
		exceptfds = fdSetFromGuest(b)
	}

	var timeout *unix.Timespec
	if params.Timeout != 0 {
		b, ok := e.copyParams(params.Timeout, 8)
		if !ok {
			return -int32(unix.EFAULT)
		}
		timeout = &unix.Timespec{
			Sec:  int64(int32(binary.LittleEndian.Uint32(b))),
			Nsec: int64(int32(binary.LittleEndian.Uint32(b[4:]))),
		}
	}

	var sigmask *unix.Sigset_t
	if params.Sigmask != 0 {
		b, ok := e.copyParams(params.Sigmask, 4)
		if !ok {
			return -int32(unix.EFAULT)
		}
		sigmask = &unix.Sigset_t{}
		sigmask.Val[0] = uint64(binary.LittleEndian.Uint32(b))
	}

	n, err := unix.Pselect(int(params.Nfds), readfds, writefds, exceptfds, timeout, sigmask)
	if err != nil {
		return errnoReturn(err)
	}

	if params.Readfds != 0 {
		if err := e.mem.CopyToVM(params.Readfds, fdSetToGuest(readfds)); err != nil {
			return -int32(unix.EFAULT)
		}
	}
	if params.Writefds != 0 {
		if err := e.mem.CopyToVM(params.Writefds, fdSetToGuest(writefds)); err != nil {
			return -int32(unix.EFAULT)
		}
	}
	if params.Exceptfds != 0 {
		if err := e.mem.CopyToVM(params.Exceptfds, fdSetToGuest(exceptfds)); err != nil {
			return -int32(unix.EFAULT)
		}
	}
	return int32(n)
}
