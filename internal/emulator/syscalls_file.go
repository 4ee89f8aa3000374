package emulator

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/zboralski/potto/internal/sys"
)

// File-system syscalls. Guest fds map 1:1 onto host fds; the host kernel
// does the bookkeeping and the guest closes what it opens.

func (e *Emulator) virtRead(fd int32, bufferAddr uint32, size int32) int32 {
	if size < 0 {
		return -int32(unix.EINVAL)
	}
	localBuffer := make([]byte, size)
	nread, err := unix.Read(int(fd), localBuffer)
	if err != nil {
		return errnoReturn(err)
	}
	// Bytes the kernel produced are defined; the copy marks their shadow.
	if err := e.mem.CopyToVM(bufferAddr, localBuffer[:nread]); err != nil {
		return -int32(unix.EFAULT)
	}
	return int32(nread)
}

func (e *Emulator) virtWrite(fd int32, dataAddr uint32, size int32) int32 {
	if size < 0 {
		return -int32(unix.EINVAL)
	}
	if e.mem.AnyUninitialized(dataAddr, uint32(size)) {
		e.ReportUninitializedValueUse(e.cpu, "write buffer")
	}
	buffer, err := e.mem.CopyBufferFromVM(dataAddr, uint32(size))
	if err != nil {
		return -int32(unix.EFAULT)
	}
	nwritten, err := unix.Write(int(fd), buffer)
	if err != nil {
		return errnoReturn(err)
	}
	return int32(nwritten)
}

func (e *Emulator) virtOpen(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.OpenParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeOpenParams(raw)

	path, err := e.copyString(params.Path)
	if err != nil {
		return -int32(unix.EFAULT)
	}

	dirfd := int(params.Dirfd)
	if dirfd == -100 {
		dirfd = unix.AT_FDCWD
	}
	fd, err := unix.Openat(dirfd, path, int(params.Options), params.Mode)
	if err != nil {
		return errnoReturn(err)
	}
	return int32(fd)
}

func (e *Emulator) virtClose(fd int32) int32 {
	return errnoReturn(unix.Close(int(fd)))
}

func (e *Emulator) virtLseek(fd, offset, whence int32) int32 {
	off, err := unix.Seek(int(fd), int64(offset), int(whence))
	if err != nil {
		return errnoReturn(err)
	}
	return int32(off)
}

// guestStatSize is the wire size of the guest's stat structure: dev, ino,
// mode, nlink, uid, gid, rdev, size, blksize, blocks and three second-
// granular timestamps, all 32-bit.
const guestStatSize = 13 * 4

func encodeGuestStat(st *unix.Stat_t) []byte {
	buf := make([]byte, guestStatSize)
	fields := []uint32{
		uint32(st.Dev),
		uint32(st.Ino),
		uint32(st.Mode),
		uint32(st.Nlink),
		st.Uid,
		st.Gid,
		uint32(st.Rdev),
		uint32(st.Size),
		uint32(st.Blksize),
		uint32(st.Blocks),
		uint32(st.Atim.Sec),
		uint32(st.Mtim.Sec),
		uint32(st.Ctim.Sec),
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], f)
	}
	return buf
}

func (e *Emulator) virtStat(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.StatParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeStatParams(raw)

	path, err := e.copyString(params.Path)
	if err != nil {
		return -int32(unix.EFAULT)
	}

	var st unix.Stat_t
	if params.FollowSymlinks {
		err = unix.Stat(path, &st)
	} else {
		err = unix.Lstat(path, &st)
	}
	if err != nil {
		return errnoReturn(err)
	}
	if err := e.mem.CopyToVM(params.StatBuf, encodeGuestStat(&st)); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtFstat(fd int32, statbufAddr uint32) int32 {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return errnoReturn(err)
	}
	if err := e.mem.CopyToVM(statbufAddr, encodeGuestStat(&st)); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtMkdir(pathAddr, pathLength, mode uint32) int32 {
	path, err := e.mem.CopyBufferFromVM(pathAddr, pathLength)
	if err != nil {
		return -int32(unix.EFAULT)
	}
	return errnoReturn(unix.Mkdir(string(path), mode))
}

func (e *Emulator) virtUnlink(pathAddr, pathLength uint32) int32 {
	path, err := e.mem.CopyBufferFromVM(pathAddr, pathLength)
	if err != nil {
		return -int32(unix.EFAULT)
	}
	return errnoReturn(unix.Unlink(string(path)))
}

func (e *Emulator) virtFchmod(fd int32, mode uint32) int32 {
	return errnoReturn(unix.Fchmod(int(fd), mode))
}

func (e *Emulator) virtRealpath(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.RealpathParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeRealpathParams(raw)

	path, err := e.copyString(params.Path)
	if err != nil {
		return -int32(unix.EFAULT)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return -int32(unix.ENOENT)
		}
		return -int32(unix.EINVAL)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return -int32(unix.EINVAL)
	}

	out := append([]byte(resolved), 0)
	if uint32(len(out)) > params.Buffer.Length {
		out = out[:params.Buffer.Length]
	}
	if err := e.mem.CopyToVM(params.Buffer.Characters, out); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtGetDirEntries(fd int32, bufferAddr uint32, size int32) int32 {
	if size < 0 {
		return -int32(unix.EINVAL)
	}
	hostBuffer := make([]byte, size)
	n, err := unix.Getdents(int(fd), hostBuffer)
	if err != nil {
		return errnoReturn(err)
	}
	if err := e.mem.CopyToVM(bufferAddr, hostBuffer[:n]); err != nil {
		return -int32(unix.EFAULT)
	}
	return int32(n)
}

func (e *Emulator) virtPipe(pipefdAddr uint32, flags int32) int32 {
	var pipefd [2]int
	if err := unix.Pipe2(pipefd[:], int(flags)); err != nil {
		return errnoReturn(err)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(pipefd[0]))
	binary.LittleEndian.PutUint32(buf[4:], uint32(pipefd[1]))
	if err := e.mem.CopyToVM(pipefdAddr, buf); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtFcntl(fd, cmd int32, arg uint32) int32 {
	switch cmd {
	case unix.F_DUPFD, unix.F_GETFD, unix.F_SETFD, unix.F_GETFL, unix.F_SETFL:
		rc, err := unix.FcntlInt(uintptr(fd), int(cmd), int(arg))
		if err != nil {
			return errnoReturn(err)
		}
		return int32(rc)
	default:
		e.reporter.Diagnostic("Unsupported fcntl command: %d", cmd)
		e.DumpBacktrace()
		os.Exit(1)
		return 0
	}
}

func (e *Emulator) virtIoctl(fd int32, request, argAddr uint32) int32 {
	if request == unix.TIOCGWINSZ {
		ws, err := unix.IoctlGetWinsize(int(fd), unix.TIOCGWINSZ)
		if err != nil {
			return errnoReturn(err)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint16(buf, ws.Row)
		binary.LittleEndian.PutUint16(buf[2:], ws.Col)
		binary.LittleEndian.PutUint16(buf[4:], ws.Xpixel)
		binary.LittleEndian.PutUint16(buf[6:], ws.Ypixel)
		if err := e.mem.CopyToVM(argAddr, buf); err != nil {
			return -int32(unix.EFAULT)
		}
		return 0
	}
	e.reporter.Diagnostic("Unsupported ioctl: %#x", request)
	e.DumpBacktrace()
	os.Exit(1)
	return 0
}
