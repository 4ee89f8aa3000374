// Package sys defines the guest-facing system call surface: the closed
// numbering the target kernel exposes and the packed parameter blocks some
// calls pass by pointer.
package sys

// Function is a guest syscall number. The values mirror the target
// kernel's syscall table; the emulator is only useful if they agree with
// what guest libc was built against.
type Function uint32

const (
	SCExit Function = iota
	SCRead
	SCWrite
	SCOpen
	SCClose
	SCLseek
	SCStat
	SCFstat
	SCMkdir
	SCUnlink
	SCFchmod
	SCRealpath
	SCGetDirEntries
	SCPipe
	SCFcntl
	SCIoctl
	SCMmap
	SCMunmap
	SCMprotect
	SCMadvise
	SCSetMmapName
	SCGetpid
	SCGettid
	SCGetuid
	SCGetgid
	SCSetuid
	SCSetgid
	SCGetgroups
	SCKill
	SCFork
	SCExecve
	SCSocket
	SCBind
	SCListen
	SCAccept
	SCConnect
	SCRecvfrom
	SCGetsockopt
	SCSetsockopt
	SCSelect
	SCGethostname
	SCGettimeofday
	SCClockGettime
	SCGetrandom
	SCUsleep
	SCShbufCreate
	SCShbufGet
	SCShbufAllowPid
	SCShbufAllowAll
	SCShbufRelease
	SCShbufSeal
	SCShbufSetVolatile
	SCSetProcessIcon
	SCGetProcessName
	SCDbgputstr
	SCDbgputch
	SCPledge
	SCUnveil
	functionCount
)

var functionNames = [...]string{
	SCExit:             "exit",
	SCRead:             "read",
	SCWrite:            "write",
	SCOpen:             "open",
	SCClose:            "close",
	SCLseek:            "lseek",
	SCStat:             "stat",
	SCFstat:            "fstat",
	SCMkdir:            "mkdir",
	SCUnlink:           "unlink",
	SCFchmod:           "fchmod",
	SCRealpath:         "realpath",
	SCGetDirEntries:    "get_dir_entries",
	SCPipe:             "pipe",
	SCFcntl:            "fcntl",
	SCIoctl:            "ioctl",
	SCMmap:             "mmap",
	SCMunmap:           "munmap",
	SCMprotect:         "mprotect",
	SCMadvise:          "madvise",
	SCSetMmapName:      "set_mmap_name",
	SCGetpid:           "getpid",
	SCGettid:           "gettid",
	SCGetuid:           "getuid",
	SCGetgid:           "getgid",
	SCSetuid:           "setuid",
	SCSetgid:           "setgid",
	SCGetgroups:        "getgroups",
	SCKill:             "kill",
	SCFork:             "fork",
	SCExecve:           "execve",
	SCSocket:           "socket",
	SCBind:             "bind",
	SCListen:           "listen",
	SCAccept:           "accept",
	SCConnect:          "connect",
	SCRecvfrom:         "recvfrom",
	SCGetsockopt:       "getsockopt",
	SCSetsockopt:       "setsockopt",
	SCSelect:           "select",
	SCGethostname:      "gethostname",
	SCGettimeofday:     "gettimeofday",
	SCClockGettime:     "clock_gettime",
	SCGetrandom:        "getrandom",
	SCUsleep:           "usleep",
	SCShbufCreate:      "shbuf_create",
	SCShbufGet:         "shbuf_get",
	SCShbufAllowPid:    "shbuf_allow_pid",
	SCShbufAllowAll:    "shbuf_allow_all",
	SCShbufRelease:     "shbuf_release",
	SCShbufSeal:        "shbuf_seal",
	SCShbufSetVolatile: "shbuf_set_volatile",
	SCSetProcessIcon:   "set_process_icon",
	SCGetProcessName:   "get_process_name",
	SCDbgputstr:        "dbgputstr",
	SCDbgputch:         "dbgputch",
	SCPledge:           "pledge",
	SCUnveil:           "unveil",
}

// String returns the syscall's kernel-facing name.
func (f Function) String() string {
	if int(f) < len(functionNames) && functionNames[f] != "" {
		return functionNames[f]
	}
	return "unknown"
}

// Known reports whether f is inside the supported enumeration.
func (f Function) Known() bool {
	return f < functionCount
}
