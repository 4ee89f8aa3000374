package emulator

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
	"github.com/zboralski/potto/internal/softcpu"
	"github.com/zboralski/potto/internal/sys"
	"github.com/zboralski/potto/internal/trace"
)

// newTestEmulator builds an emulator around an empty image: a stack and
// a reporter capturing into a buffer, no ELF on disk.
func newTestEmulator(t *testing.T) (*Emulator, *bytes.Buffer) {
	t.Helper()
	t.Setenv("POTTO_NO_COLOR", "1")

	out := &bytes.Buffer{}
	e := &Emulator{
		cfg:      Config{StackSize: DefaultStackSize},
		mem:      mmu.New(),
		image:    &Image{},
		reporter: NewReporter(out, 4242),
		vmalloc:  newVMAllocator(),
		shbufs:   newShbufRegistry(),
		session:  trace.NewSession(),
	}
	e.cpu = softcpu.New(e)
	e.tracer = NewMallocTracer(e)

	stack := mmu.NewSimpleRegion(stackBase, e.cfg.StackSize)
	stack.SetStack(true)
	if err := e.mem.AddRegion(stack); err != nil {
		t.Fatal(err)
	}
	e.cpu.SetESP(shadow.Initialized32(stackBase + e.cfg.StackSize))
	return e, out
}

func readGuest32(t *testing.T, e *Emulator, addr uint32) uint32 {
	t.Helper()
	v, err := e.mem.Read32(softcpu.StackAddress(addr))
	if err != nil {
		t.Fatalf("read %#x: %v", addr, err)
	}
	return v.Value
}

func readGuestString(t *testing.T, e *Emulator, addr uint32) string {
	t.Helper()
	var out []byte
	for {
		v, err := e.mem.Read8(mmu.Address{Selector: mmu.SelData, Offset: addr})
		if err != nil {
			t.Fatalf("read %#x: %v", addr, err)
		}
		if v.Value == 0 {
			return string(out)
		}
		out = append(out, v.Value)
		addr++
	}
}

func TestSetupStackEntryABI(t *testing.T) {
	e, _ := newTestEmulator(t)
	e.mem.RemoveRegion(e.mem.FindRegion(stackBase)) // setupStack maps its own

	if err := e.setupStack([]string{"guest", "a", "b"}, []string{"TERM=dumb"}); err != nil {
		t.Fatal(err)
	}

	esp := e.cpu.ESP().Value
	argc := readGuest32(t, e, esp)
	argvPtr := readGuest32(t, e, esp+4)
	envpPtr := readGuest32(t, e, esp+8)

	if argc != 3 {
		t.Errorf("argc = %d, want 3", argc)
	}

	wantArgv := []string{"guest", "a", "b"}
	for i, want := range wantArgv {
		strPtr := readGuest32(t, e, argvPtr+uint32(i)*4)
		if got := readGuestString(t, e, strPtr); got != want {
			t.Errorf("argv[%d] = %q, want %q", i, got, want)
		}
	}
	if terminator := readGuest32(t, e, argvPtr+12); terminator != 0 {
		t.Errorf("argv not NUL-terminated: %#x", terminator)
	}

	envStr := readGuest32(t, e, envpPtr)
	if got := readGuestString(t, e, envStr); got != "TERM=dumb" {
		t.Errorf("envp[0] = %q", got)
	}
	if terminator := readGuest32(t, e, envpPtr+4); terminator != 0 {
		t.Errorf("envp not NUL-terminated: %#x", terminator)
	}
}

func TestSyscallWriteAndExit(t *testing.T) {
	e, _ := newTestEmulator(t)

	var pipefd [2]int
	if err := unix.Pipe(pipefd[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(pipefd[0])
	defer unix.Close(pipefd[1])

	// Place "hello\n" in guest memory.
	msg := []byte("hello\n")
	msgAddr := uint32(stackBase + 0x100)
	if err := e.mem.CopyToVM(msgAddr, msg); err != nil {
		t.Fatal(err)
	}

	e.cpu.SetEAX(shadow.Initialized32(uint32(sys.SCWrite)))
	e.cpu.SetReg(softcpu.RegEBX, shadow.Initialized32(uint32(pipefd[1])))
	e.cpu.SetReg(softcpu.RegECX, shadow.Initialized32(msgAddr))
	e.cpu.SetReg(softcpu.RegEDX, shadow.Initialized32(uint32(len(msg))))
	e.Syscall(e.cpu)

	if got := e.cpu.EAX(); got.Value != uint32(len(msg)) || got.IsUninitialized() {
		t.Fatalf("write returned %+v", got)
	}

	got := make([]byte, len(msg))
	if _, err := unix.Read(pipefd[0], got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello\n" {
		t.Errorf("host side read %q", got)
	}

	// exit(7) shuts the emulator down with the guest's status.
	e.cpu.SetEAX(shadow.Initialized32(uint32(sys.SCExit)))
	e.cpu.SetReg(softcpu.RegEBX, shadow.Initialized32(7))
	e.Syscall(e.cpu)

	if !e.shutdown || e.exitStatus != 7 {
		t.Errorf("shutdown=%v status=%d, want true/7", e.shutdown, e.exitStatus)
	}
}

func TestSyscallWriteOfPoisonedBufferReports(t *testing.T) {
	e, out := newTestEmulator(t)

	var pipefd [2]int
	if err := unix.Pipe(pipefd[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(pipefd[0])
	defer unix.Close(pipefd[1])

	// Guest buffer never written: stack memory is poisoned.
	e.cpu.SetEAX(shadow.Initialized32(uint32(sys.SCWrite)))
	e.cpu.SetReg(softcpu.RegEBX, shadow.Initialized32(uint32(pipefd[1])))
	e.cpu.SetReg(softcpu.RegECX, shadow.Initialized32(stackBase+0x400))
	e.cpu.SetReg(softcpu.RegEDX, shadow.Initialized32(8))
	e.Syscall(e.cpu)

	if !strings.Contains(out.String(), "uninitialized value") {
		t.Errorf("no diagnostic for poisoned write buffer: %q", out.String())
	}
}

func writeMmapParams(t *testing.T, e *Emulator, addr uint32, p sys.MmapParams) {
	t.Helper()
	buf := make([]byte, sys.MmapParamsSize)
	binary.LittleEndian.PutUint32(buf[0:], p.Addr)
	binary.LittleEndian.PutUint32(buf[4:], p.Size)
	binary.LittleEndian.PutUint32(buf[8:], p.Alignment)
	binary.LittleEndian.PutUint32(buf[12:], uint32(p.Prot))
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.Flags))
	binary.LittleEndian.PutUint32(buf[20:], uint32(p.Fd))
	binary.LittleEndian.PutUint32(buf[24:], uint32(p.Offset))
	binary.LittleEndian.PutUint32(buf[28:], p.Name.Characters)
	binary.LittleEndian.PutUint32(buf[32:], p.Name.Length)
	if err := e.mem.CopyToVM(addr, buf); err != nil {
		t.Fatal(err)
	}
}

func TestMmapMunmapLifecycle(t *testing.T) {
	e, _ := newTestEmulator(t)

	paramsAddr := uint32(stackBase + 0x800)
	writeMmapParams(t, e, paramsAddr, sys.MmapParams{
		Size:  8192,
		Prot:  int32(unix.PROT_READ | unix.PROT_WRITE),
		Flags: int32(unix.MAP_ANONYMOUS),
		Fd:    -1,
	})

	addr := e.virtMmap(paramsAddr)
	if addr <= 0 {
		t.Fatalf("mmap returned %d", addr)
	}
	address := uint32(addr)
	if address%mmu.PageSize != 0 {
		t.Errorf("mmap address %#x not page aligned", address)
	}

	region := e.mem.FindRegion(address)
	if region == nil {
		t.Fatal("no region after mmap")
	}
	if region.Size() != 8192 {
		t.Errorf("region size = %d, want 8192", region.Size())
	}

	// Anonymous pages are defined zeroes.
	v, err := e.mem.Read32(softcpu.StackAddress(address))
	if err != nil {
		t.Fatal(err)
	}
	if v.Value != 0 || v.IsUninitialized() {
		t.Errorf("anonymous page read = %+v, want defined zero", v)
	}

	if rc := e.virtMunmap(address, 8192); rc != 0 {
		t.Fatalf("munmap returned %d", rc)
	}
	if e.mem.FindRegion(address) != nil {
		t.Error("region still mapped after munmap")
	}

	// Size mismatch on a fresh mapping is refused.
	addr2 := e.virtMmap(paramsAddr)
	if rc := e.virtMunmap(uint32(addr2), 4096); rc != -int32(unix.ENOTSUP) {
		t.Errorf("partial munmap returned %d, want ENOTSUP", rc)
	}
}

func TestShbufCreateGetRelease(t *testing.T) {
	e, _ := newTestEmulator(t)

	outPtr := uint32(stackBase + 0x900)
	id := e.virtShbufCreate(4096, outPtr)
	if id <= 0 {
		t.Fatalf("shbuf_create returned %d", id)
	}

	mapped := readGuest32(t, e, outPtr)
	if e.mem.FindRegion(mapped) == nil {
		t.Fatal("shbuf not mapped")
	}

	// Write through the first mapping, observe through a second.
	if err := e.mem.CopyToVM(mapped, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	sizePtr := uint32(stackBase + 0x910)
	addr2 := e.virtShbufGet(id, sizePtr)
	if addr2 <= 0 {
		t.Fatalf("shbuf_get returned %d", addr2)
	}
	if got := readGuest32(t, e, sizePtr); got != 4096 {
		t.Errorf("shbuf size out = %d", got)
	}
	v, err := e.mem.Read8(mmu.Address{Selector: mmu.SelData, Offset: uint32(addr2) + 1})
	if err != nil {
		t.Fatal(err)
	}
	if v.Value != 2 {
		t.Errorf("second mapping sees %d, want 2", v.Value)
	}

	// Permission protocol: seal forbids later allows.
	if rc := e.virtShbufAllowPid(id, 123); rc != 0 {
		t.Errorf("allow_pid = %d", rc)
	}
	if rc := e.virtShbufSeal(id); rc != 0 {
		t.Errorf("seal = %d", rc)
	}
	if rc := e.virtShbufAllowAll(id); rc != -int32(unix.EPERM) {
		t.Errorf("allow_all after seal = %d, want EPERM", rc)
	}

	if rc := e.virtShbufRelease(id); rc != 0 {
		t.Errorf("release = %d", rc)
	}
	if e.mem.FindRegion(mapped) == nil {
		// first mapping released; second should still exist
		t.Log("first mapping released")
	}
}

func TestRawBacktraceWalksFramePointers(t *testing.T) {
	e, _ := newTestEmulator(t)

	// Frame chain: fp1 -> fp2 -> 0, return addresses 0x1111 and 0x2222.
	fp2 := uint32(stackBase + 0x2000)
	fp1 := uint32(stackBase + 0x1000)
	mustWrite32 := func(addr, val uint32) {
		if err := e.mem.Write32(softcpu.StackAddress(addr), shadow.Initialized32(val)); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite32(fp1, fp2)
	mustWrite32(fp1+4, 0x1111)
	mustWrite32(fp2, 0)
	mustWrite32(fp2+4, 0x2222)

	e.cpu.SetEIP(0x8048123)
	e.cpu.SaveBaseEIP()
	e.cpu.SetReg(softcpu.RegEBP, shadow.Initialized32(fp1))

	got := e.RawBacktrace()
	want := []uint32{0x8048123, 0x1111, 0x2222}
	if len(got) != len(want) {
		t.Fatalf("backtrace = %#v, want %#v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestSyscallArgTaintReported(t *testing.T) {
	e, out := newTestEmulator(t)

	// getpid ignores its arguments, but a poisoned arg is still flagged.
	e.cpu.SetEAX(shadow.Initialized32(uint32(sys.SCGetpid)))
	e.cpu.SetReg(softcpu.RegEBX, shadow.Uninitialized32(0))
	e.cpu.SetReg(softcpu.RegECX, shadow.Initialized32(0))
	e.cpu.SetReg(softcpu.RegEDX, shadow.Initialized32(0))
	e.Syscall(e.cpu)

	if !strings.Contains(out.String(), "Syscall argument depends on uninitialized value") {
		t.Errorf("no taint report: %q", out.String())
	}
	if got := e.cpu.EAX(); got.IsUninitialized() {
		t.Error("syscall return not marked initialised")
	}
}

func TestQuietSuppressesNoticesNotDiagnostics(t *testing.T) {
	e, out := newTestEmulator(t)
	e.cfg.Quiet = true
	e.reporter.SetQuiet(true)

	e.virtExit(3)
	if out.Len() != 0 {
		t.Errorf("quiet exit produced output: %q", out.String())
	}
	if !e.shutdown || e.exitStatus != 3 {
		t.Errorf("shutdown=%v status=%d", e.shutdown, e.exitStatus)
	}

	e.reporter.Diagnostic("still printed")
	if !strings.Contains(out.String(), "still printed") {
		t.Error("quiet mode swallowed a diagnostic")
	}
}

func TestConfigNormalizeDefaults(t *testing.T) {
	cfg := Config{}
	cfg.normalize()

	if cfg.StackSize != DefaultStackSize {
		t.Errorf("stack size = %d", cfg.StackSize)
	}
	if cfg.Color != "auto" {
		t.Errorf("color = %q, want auto", cfg.Color)
	}

	cfg = Config{StackSize: 70000, Color: "never"}
	cfg.normalize()
	if cfg.StackSize%0x1000 != 0 || cfg.StackSize < 70000 {
		t.Errorf("stack size not rounded up to pages: %d", cfg.StackSize)
	}
	if cfg.Color != "never" {
		t.Errorf("color = %q", cfg.Color)
	}
}

func TestReporterFormat(t *testing.T) {
	t.Setenv("POTTO_NO_COLOR", "1")
	out := &bytes.Buffer{}
	r := NewReporter(out, 77)
	r.Line("hello %d", 42)

	if got := out.String(); got != "==77==  hello 42\n" {
		t.Errorf("line = %q", got)
	}
}
