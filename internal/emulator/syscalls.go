package emulator

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zboralski/potto/internal/log"
	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
	"github.com/zboralski/potto/internal/softcpu"
	"github.com/zboralski/potto/internal/sys"
)

// Syscall services the INT 0x82 trap. The function number travels in EAX,
// the first three arguments in EBX, ECX, EDX; the return value (or a
// negative errno) goes back in EAX, fully defined.
func (e *Emulator) Syscall(c *softcpu.CPU) {
	function := sys.Function(c.EAX().Value)

	arg1 := e.syscallArg(c.EBX())
	arg2 := e.syscallArg(c.ECX())
	arg3 := e.syscallArg(c.EDX())

	if log.L != nil {
		log.L.Syscall(function.String(), arg1, arg2, arg3)
	}

	ret := e.dispatchSyscall(function, arg1, arg2, arg3)
	c.SetEAX(shadow.Initialized32(uint32(ret)))
}

// syscallArg extracts a scalar argument, flagging poisoned ones. The value
// is passed through regardless: the kernel would see the same bytes.
func (e *Emulator) syscallArg(v shadow.Value32) uint32 {
	if v.IsUninitialized() {
		e.ReportUninitializedValueUse(e.cpu, "syscall argument")
	}
	return v.Value
}

func (e *Emulator) dispatchSyscall(function sys.Function, arg1, arg2, arg3 uint32) int32 {
	switch function {
	case sys.SCExit:
		e.virtExit(int32(arg1))
		return 0
	case sys.SCRead:
		return e.virtRead(int32(arg1), arg2, int32(arg3))
	case sys.SCWrite:
		return e.virtWrite(int32(arg1), arg2, int32(arg3))
	case sys.SCOpen:
		return e.virtOpen(arg1)
	case sys.SCClose:
		return e.virtClose(int32(arg1))
	case sys.SCLseek:
		return e.virtLseek(int32(arg1), int32(arg2), int32(arg3))
	case sys.SCStat:
		return e.virtStat(arg1)
	case sys.SCFstat:
		return e.virtFstat(int32(arg1), arg2)
	case sys.SCMkdir:
		return e.virtMkdir(arg1, arg2, arg3)
	case sys.SCUnlink:
		return e.virtUnlink(arg1, arg2)
	case sys.SCFchmod:
		return e.virtFchmod(int32(arg1), arg2)
	case sys.SCRealpath:
		return e.virtRealpath(arg1)
	case sys.SCGetDirEntries:
		return e.virtGetDirEntries(int32(arg1), arg2, int32(arg3))
	case sys.SCPipe:
		return e.virtPipe(arg1, int32(arg2))
	case sys.SCFcntl:
		return e.virtFcntl(int32(arg1), int32(arg2), arg3)
	case sys.SCIoctl:
		return e.virtIoctl(int32(arg1), arg2, arg3)
	case sys.SCMmap:
		return e.virtMmap(arg1)
	case sys.SCMunmap:
		return e.virtMunmap(arg1, arg2)
	case sys.SCMprotect:
		return e.virtMprotect(arg1, arg2, int32(arg3))
	case sys.SCMadvise:
		return 0
	case sys.SCSetMmapName:
		return e.virtSetMmapName(arg1)
	case sys.SCGetpid:
		return int32(os.Getpid())
	case sys.SCGettid:
		return int32(unix.Gettid())
	case sys.SCGetuid:
		return int32(os.Getuid())
	case sys.SCGetgid:
		return int32(os.Getgid())
	case sys.SCSetuid:
		return errnoReturn(unix.Setuid(int(arg1)))
	case sys.SCSetgid:
		// The first argument carries the gid.
		return errnoReturn(unix.Setgid(int(arg1)))
	case sys.SCGetgroups:
		return e.virtGetgroups(int32(arg1), arg2)
	case sys.SCKill:
		return errnoReturn(unix.Kill(int(arg1), unix.Signal(arg2)))
	case sys.SCFork:
		return e.virtFork()
	case sys.SCExecve:
		return e.virtExecve(arg1)
	case sys.SCSocket:
		return e.virtSocket(int32(arg1), int32(arg2), int32(arg3))
	case sys.SCBind:
		return e.virtBind(int32(arg1), arg2, arg3)
	case sys.SCListen:
		return errnoReturn(unix.Listen(int(arg1), int(arg2)))
	case sys.SCAccept:
		return e.virtAccept(int32(arg1), arg2, arg3)
	case sys.SCConnect:
		return e.virtConnect(int32(arg1), arg2, arg3)
	case sys.SCRecvfrom:
		return e.virtRecvfrom(arg1)
	case sys.SCGetsockopt:
		return e.virtGetsockopt(arg1)
	case sys.SCSetsockopt:
		return e.virtSetsockopt(arg1)
	case sys.SCSelect:
		return e.virtSelect(arg1)
	case sys.SCGethostname:
		return e.virtGethostname(arg1, int32(arg2))
	case sys.SCGettimeofday:
		return e.virtGettimeofday(arg1)
	case sys.SCClockGettime:
		return e.virtClockGettime(int32(arg1), arg2)
	case sys.SCGetrandom:
		return e.virtGetrandom(arg1, arg2, arg3)
	case sys.SCUsleep:
		time.Sleep(time.Duration(arg1) * time.Microsecond)
		return 0
	case sys.SCShbufCreate:
		return e.virtShbufCreate(int32(arg1), arg2)
	case sys.SCShbufGet:
		return e.virtShbufGet(int32(arg1), arg2)
	case sys.SCShbufAllowPid:
		return e.virtShbufAllowPid(int32(arg1), int32(arg2))
	case sys.SCShbufAllowAll:
		return e.virtShbufAllowAll(int32(arg1))
	case sys.SCShbufRelease:
		return e.virtShbufRelease(int32(arg1))
	case sys.SCShbufSeal:
		return e.virtShbufSeal(int32(arg1))
	case sys.SCShbufSetVolatile:
		return e.virtShbufSetVolatile(int32(arg1), arg2 != 0)
	case sys.SCSetProcessIcon:
		return 0
	case sys.SCGetProcessName:
		return e.virtGetProcessName(arg1, int32(arg2))
	case sys.SCDbgputstr:
		return e.virtDbgputstr(arg1, int32(arg2))
	case sys.SCDbgputch:
		os.Stderr.Write([]byte{byte(arg1)})
		return 0
	case sys.SCPledge, sys.SCUnveil:
		// Accepted and ignored: the emulator provides no sandbox.
		return 0
	default:
		e.reporter.Blank()
		e.reporter.Diagnostic("Unimplemented syscall: %s (%d)", function, uint32(function))
		e.DumpBacktrace()
		os.Exit(1)
		return 0
	}
}

// errnoReturn converts a host error to the guest's negative-errno
// convention.
func errnoReturn(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EINVAL)
}

func (e *Emulator) virtExit(status int32) {
	if !e.cfg.Quiet {
		e.reporter.Blank()
		e.reporter.Notice("Syscall: exit(%d), shutting down!", status)
	}
	e.exitStatus = int(status)
	e.shutdown = true
}

// copyParams reads a parameter block out of guest memory, reporting a bad
// pointer through ok=false.
func (e *Emulator) copyParams(addr uint32, size uint32) ([]byte, bool) {
	buf, err := e.mem.CopyBufferFromVM(addr, size)
	if err != nil {
		return nil, false
	}
	return buf, true
}

func (e *Emulator) virtFork() int32 {
	// Naive: the child shares this emulator's host state. Cloning the MMU
	// and tracer for a real fork is an open problem.
	r1, _, errno := unix.Syscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return -int32(errno)
	}
	return int32(r1)
}

func (e *Emulator) virtExecve(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.ExecveParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeExecveParams(raw)

	path, err := e.copyString(params.Path)
	if err != nil {
		return -int32(unix.EFAULT)
	}

	readList := func(list sys.StringList) ([]string, int32) {
		out := make([]string, 0, list.Length)
		for i := uint32(0); i < list.Length; i++ {
			raw, ok := e.copyParams(list.Strings+i*sys.StringArgumentSize, sys.StringArgumentSize)
			if !ok {
				return nil, -int32(unix.EFAULT)
			}
			str, err := e.copyString(sys.StringArgument{
				Characters: binary.LittleEndian.Uint32(raw),
				Length:     binary.LittleEndian.Uint32(raw[4:]),
			})
			if err != nil {
				return nil, -int32(unix.EFAULT)
			}
			out = append(out, str)
		}
		return out, 0
	}

	arguments, rc := readList(params.Arguments)
	if rc != 0 {
		return rc
	}
	environment, rc := readList(params.Environment)
	if rc != 0 {
		return rc
	}

	if !e.cfg.Quiet {
		e.reporter.Blank()
		e.reporter.Notice("Syscall: execve")
		for _, argument := range arguments {
			e.reporter.Line("  - %s", argument)
		}
	}

	// Emulation follows across exec: the image is replaced by this
	// emulator reinvoked on the new program.
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	argv := append([]string{self, path}, arguments...)
	return errnoReturn(unix.Exec(self, argv, environment))
}

func (e *Emulator) copyString(s sys.StringArgument) (string, error) {
	buf, err := e.mem.CopyBufferFromVM(s.Characters, s.Length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (e *Emulator) virtGetgroups(count int32, groupsAddr uint32) int32 {
	if count == 0 {
		n, err := unix.Getgroups()
		if err != nil {
			return errnoReturn(err)
		}
		return int32(len(n))
	}
	groups, err := unix.Getgroups()
	if err != nil {
		return errnoReturn(err)
	}
	if int32(len(groups)) > count {
		return -int32(unix.EINVAL)
	}
	buf := make([]byte, 4*len(groups))
	for i, gid := range groups {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(gid))
	}
	if err := e.mem.CopyToVM(groupsAddr, buf); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtGettimeofday(timevalAddr uint32) int32 {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return errnoReturn(err)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(tv.Sec))
	binary.LittleEndian.PutUint32(buf[4:], uint32(tv.Usec))
	if err := e.mem.CopyToVM(timevalAddr, buf); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtClockGettime(clockid int32, timespecAddr uint32) int32 {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return errnoReturn(err)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(ts.Sec))
	binary.LittleEndian.PutUint32(buf[4:], uint32(ts.Nsec))
	if err := e.mem.CopyToVM(timespecAddr, buf); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtGetrandom(bufferAddr, size, flags uint32) int32 {
	hostBuffer := make([]byte, size)
	n, err := unix.Getrandom(hostBuffer, int(flags))
	if err != nil {
		return errnoReturn(err)
	}
	if err := e.mem.CopyToVM(bufferAddr, hostBuffer[:n]); err != nil {
		return -int32(unix.EFAULT)
	}
	return int32(n)
}

func (e *Emulator) virtGetProcessName(bufferAddr uint32, size int32) int32 {
	if size < 0 {
		return -int32(unix.EINVAL)
	}
	name := "potto"
	if len(e.guestArgs) > 0 {
		name = e.guestArgs[0]
	}
	if int32(len(name)+1) > size {
		return -int32(unix.ENAMETOOLONG)
	}
	if err := e.mem.CopyToVM(bufferAddr, append([]byte(name), 0)); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) virtDbgputstr(charactersAddr uint32, length int32) int32 {
	if length < 0 {
		return -int32(unix.EINVAL)
	}
	buf, err := e.mem.CopyBufferFromVM(charactersAddr, uint32(length))
	if err != nil {
		return -int32(unix.EFAULT)
	}
	os.Stderr.Write(buf)
	return 0
}

func (e *Emulator) virtGethostname(bufferAddr uint32, size int32) int32 {
	if size < 0 {
		return -int32(unix.EINVAL)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return -int32(unix.EFAULT)
	}
	if int32(len(hostname)+1) > size {
		return -int32(unix.ENAMETOOLONG)
	}
	if err := e.mem.CopyToVM(bufferAddr, append([]byte(hostname), 0)); err != nil {
		return -int32(unix.EFAULT)
	}
	return 0
}

// VM family.

func (e *Emulator) virtMmap(paramsAddr uint32) int32 {
	raw, ok := e.copyParams(paramsAddr, sys.MmapParamsSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	params := sys.DecodeMmapParams(raw)

	if params.Addr != 0 {
		// Fixed-address requests never worked under emulation; refuse
		// rather than silently relocating.
		return -int32(unix.ENOTSUP)
	}

	size := (params.Size + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
	address := e.vmalloc.allocate(size, params.Alignment)
	if address == 0 {
		return -int32(unix.ENOMEM)
	}

	var region mmu.Region
	if params.Flags&unix.MAP_ANONYMOUS != 0 {
		region = mmu.NewAnonymousMmapRegion(address, size, int(params.Prot))
	} else {
		fileRegion, err := mmu.NewFileBackedMmapRegion(address, size, int(params.Prot), int(params.Flags), int(params.Fd), int64(params.Offset))
		if err != nil {
			e.vmalloc.release(address, size)
			return errnoReturn(err)
		}
		region = fileRegion
	}

	if params.Name.Characters != 0 {
		if name, err := e.copyString(params.Name); err == nil {
			region.SetName(name)
		}
	}

	if err := e.mem.AddRegion(region); err != nil {
		e.vmalloc.release(address, size)
		return -int32(unix.ENOMEM)
	}
	if log.L != nil {
		log.L.Region("mmap", address, size, region.Name())
	}
	return int32(address)
}

func (e *Emulator) virtMunmap(address, size uint32) int32 {
	region := e.mem.FindRegion(address)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	rounded := (size + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
	if region.Base() != address || region.Size() != rounded {
		// Partial unmap would need region splitting; unsupported.
		return -int32(unix.ENOTSUP)
	}
	e.mem.RemoveRegion(region)
	e.vmalloc.release(address, rounded)
	if log.L != nil {
		log.L.Region("munmap", address, rounded, region.Name())
	}
	return 0
}

func (e *Emulator) virtMprotect(address, size uint32, prot int32) int32 {
	region := e.mem.FindRegion(address)
	if mapped, ok := region.(*mmu.MmapRegion); ok {
		mapped.SetProt(int(prot))
	}
	return 0
}

func (e *Emulator) virtSetMmapName(paramsAddr uint32) int32 {
	// params: { addr, size, name: StringArgument }
	raw, ok := e.copyParams(paramsAddr, 4+4+sys.StringArgumentSize)
	if !ok {
		return -int32(unix.EFAULT)
	}
	address := binary.LittleEndian.Uint32(raw)
	name := sys.StringArgument{
		Characters: binary.LittleEndian.Uint32(raw[8:]),
		Length:     binary.LittleEndian.Uint32(raw[12:]),
	}
	region := e.mem.FindRegion(address)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	text, err := e.copyString(name)
	if err != nil {
		return -int32(unix.EFAULT)
	}
	region.SetName(text)
	return 0
}
