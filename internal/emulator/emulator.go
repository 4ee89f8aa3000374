// Package emulator drives guest execution: ELF loading, the
// fetch-decode-execute loop, the syscall gateway, heap tracing, and
// diagnostic reporting.
package emulator

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/log"
	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
	"github.com/zboralski/potto/internal/softcpu"
	"github.com/zboralski/potto/internal/trace"
	"github.com/zboralski/potto/internal/ui/colorize"
)

// Guest memory layout anchors.
const (
	stackBase = 0x10000000
	tcbBase   = 0x20000000
)

// theEmulator is the process-global emulator. Reporter and diagnostic
// paths reach it without threading a parameter; established once before
// guest startup, never replaced.
var theEmulator *Emulator

// The returns the process-global emulator.
func The() *Emulator {
	if theEmulator == nil {
		panic("emulator: The() before New()")
	}
	return theEmulator
}

// Emulator owns the MMU, the CPU, the heap tracer and the guest's host
// resources for one emulation run.
type Emulator struct {
	cfg      Config
	mem      *mmu.MMU
	cpu      *softcpu.CPU
	image    *Image
	reporter *Reporter
	tracer   *MallocTracer
	vmalloc  *vmAllocator
	shbufs   *shbufRegistry
	session  trace.Session

	guestArgs []string
	guestEnv  []string

	mallocStart, mallocEnd uint32
	freeStart, freeEnd     uint32

	shutdown   bool
	exitStatus int
}

// New loads the guest binary and prepares the initial process state. The
// returned emulator is also installed as the process-global instance.
func New(path string, args, env []string, cfg Config) (*Emulator, error) {
	cfg.normalize()
	log.Init(cfg.Debug)
	if cfg.Color == "never" {
		colorize.Disable()
	}

	image, err := LoadImage(path)
	if err != nil {
		return nil, err
	}

	e := &Emulator{
		cfg:       cfg,
		mem:       mmu.New(),
		image:     image,
		reporter:  NewStderrReporter(),
		vmalloc:   newVMAllocator(),
		shbufs:    newShbufRegistry(),
		session:   trace.NewSession(),
		guestArgs: args,
		guestEnv:  env,
	}
	e.cpu = softcpu.New(e)
	e.tracer = NewMallocTracer(e)
	e.reporter.SetQuiet(cfg.Quiet)

	if theEmulator != nil {
		return nil, fmt.Errorf("emulator already constructed")
	}
	theEmulator = e

	if log.L != nil {
		log.L.Info("session",
			zap.String("id", e.session.ID.String()),
			zap.String("guest", path),
		)
	}

	if err := e.loadSegments(); err != nil {
		return nil, err
	}
	if err := e.setupStack(args, env); err != nil {
		return nil, err
	}
	e.locateAllocator()
	e.cpu.SetEIP(image.Entry)

	return e, nil
}

// Mmu exposes the software MMU.
func (e *Emulator) Mmu() *mmu.MMU { return e.mem }

// Cpu exposes the CPU, mainly for tests and the tracer.
func (e *Emulator) Cpu() *softcpu.CPU { return e.cpu }

// Reporter exposes the diagnostic sink.
func (e *Emulator) Reporter() *Reporter { return e.reporter }

// MallocTracer returns the heap tracer.
func (e *Emulator) MallocTracer() *MallocTracer { return e.tracer }

// loadSegments maps the binary into the guest address space: one region
// per PT_LOAD (text when executable and not writable), plus the TLS control
// block and thread-pointer region for PT_TLS.
func (e *Emulator) loadSegments() error {
	for i := range e.image.Segments {
		seg := &e.image.Segments[i]
		base := seg.VAddr &^ (mmu.PageSize - 1)
		end := (seg.VAddr + seg.MemSize + mmu.PageSize - 1) &^ (mmu.PageSize - 1)

		region := mmu.NewSimpleRegion(base, end-base)
		if seg.IsExecutable() && !seg.IsWritable() {
			region.SetText(true)
			region.SetExecutable(true)
			region.SetName("text")
		} else {
			region.SetName("data")
		}
		copy(region.Data()[seg.VAddr-base:], seg.Data)
		// Loaded bytes and .bss both count as initialised: the kernel
		// defines them before the program runs.
		region.MarkInitialized(0, end-base)

		if err := e.mem.AddRegion(region); err != nil {
			return fmt.Errorf("map segment at %#x: %w", seg.VAddr, err)
		}
		if log.L != nil {
			log.L.Region("segment mapped", base, end-base, region.Name())
		}
	}

	if tls := e.image.TLS; tls != nil {
		size := (tls.MemSize + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
		tcb := mmu.NewSimpleRegion(tcbBase, size)
		tcb.SetName("tcb")
		copy(tcb.Data(), tls.Data)
		tcb.MarkInitialized(0, size)
		if err := e.mem.AddRegion(tcb); err != nil {
			return fmt.Errorf("map TLS control block: %w", err)
		}

		tp := mmu.NewTLSRegion(4)
		tp.Write32(0, shadow.Initialized32(tcbBase+tls.MemSize))
		e.mem.SetTLSRegion(tp)
	}

	return nil
}

// setupStack builds the SysV i386 process entry frame: argument and
// environment strings pushed as stack data, NUL-terminated pointer tables,
// then envp, argv and argc for the startup code to consume.
func (e *Emulator) setupStack(args, env []string) error {
	stack := mmu.NewSimpleRegion(stackBase, e.cfg.StackSize)
	stack.SetStack(true)
	stack.SetName("stack")
	if err := e.mem.AddRegion(stack); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	e.cpu.SetESP(shadow.Initialized32(stackBase + e.cfg.StackSize))

	var argvEntries []uint32
	for _, arg := range args {
		e.cpu.PushString(arg)
		argvEntries = append(argvEntries, e.cpu.ESP().Value)
	}

	var envEntries []uint32
	for _, variable := range env {
		e.cpu.PushString(variable)
		envEntries = append(envEntries, e.cpu.ESP().Value)
	}

	e.cpu.Push32(shadow.Initialized32(0)) // envp terminator
	for i := len(envEntries) - 1; i >= 0; i-- {
		e.cpu.Push32(shadow.Initialized32(envEntries[i]))
	}
	envp := e.cpu.ESP().Value

	e.cpu.Push32(shadow.Initialized32(0)) // argv terminator
	for i := len(argvEntries) - 1; i >= 0; i-- {
		e.cpu.Push32(shadow.Initialized32(argvEntries[i]))
	}
	argv := e.cpu.ESP().Value

	e.cpu.Push32(shadow.Initialized32(0)) // alignment
	e.cpu.Push32(shadow.Initialized32(envp))
	e.cpu.Push32(shadow.Initialized32(argv))
	e.cpu.Push32(shadow.Initialized32(uint32(len(argvEntries))))

	return nil
}

// locateAllocator records the EIP windows of the guest's malloc and free so
// the heap tracer can watch them.
func (e *Emulator) locateAllocator() {
	if sym, ok := e.image.FindFunction("malloc"); ok {
		e.mallocStart, e.mallocEnd = sym.Value, sym.Value+sym.Size
	}
	if sym, ok := e.image.FindFunction("free"); ok {
		e.freeStart, e.freeEnd = sym.Value, sym.Value+sym.Size
	}
	if log.L != nil {
		log.L.Debug("allocator windows",
			zap.Uint32("malloc_start", e.mallocStart),
			zap.Uint32("malloc_end", e.mallocEnd),
			zap.Uint32("free_start", e.freeStart),
			zap.Uint32("free_end", e.freeEnd),
		)
	}
}

// IsInMallocOrFree reports whether the current instruction lies inside the
// guest allocator itself, so the tracer can ignore its internal accesses.
func (e *Emulator) IsInMallocOrFree() bool {
	eip := e.cpu.BaseEIP()
	return (eip >= e.mallocStart && eip < e.mallocEnd) ||
		(eip >= e.freeStart && eip < e.freeEnd)
}

// Run executes the guest until it exits. Returns the guest's exit status.
func (e *Emulator) Run() int {
	for !e.shutdown {
		e.tracer.OnInstructionBoundary(e.cpu.EIP())

		inst, err := e.cpu.Step()
		if err != nil {
			e.reporter.Diagnostic("Instruction fetch failed: %v", err)
			e.DumpBacktrace()
			return 1
		}

		if e.cfg.Trace {
			e.traceInstruction(inst)
		}
	}

	e.tracer.DumpLeakReport()
	return e.exitStatus
}

func (e *Emulator) traceInstruction(inst x86asm.Inst) {
	text := x86asm.IntelSyntax(inst, uint64(e.cpu.BaseEIP()), e.symLookup)
	fmt.Fprintf(os.Stderr, "%s  %s\n%s\n",
		colorize.Address(e.cpu.BaseEIP()),
		colorize.Instruction(text),
		colorize.Detail(e.cpu.Dump()))
}

func (e *Emulator) symLookup(addr uint64) (string, uint64) {
	name, offset := e.image.Symbolicate(uint32(addr))
	if name == "" {
		return "", 0
	}
	return name, uint64(uint32(addr) - offset)
}

// RawBacktrace walks the frame-pointer chain: EBP points at the saved EBP,
// EBP+4 at the return address. Seeded with the current instruction.
func (e *Emulator) RawBacktrace() []uint32 {
	backtrace := []uint32{e.cpu.BaseEIP()}

	framePtr := e.cpu.EBP().Value
	for framePtr != 0 {
		ret, err := e.mem.Read32(softcpu.StackAddress(framePtr + 4))
		if err != nil || ret.Value == 0 {
			break
		}
		backtrace = append(backtrace, ret.Value)
		next, err := e.mem.Read32(softcpu.StackAddress(framePtr))
		if err != nil {
			break
		}
		framePtr = next.Value
	}
	return backtrace
}

// DumpBacktrace symbolicates and prints the current backtrace.
func (e *Emulator) DumpBacktrace() {
	e.dumpBacktrace(e.RawBacktrace())
}

func (e *Emulator) dumpBacktrace(backtrace []uint32) {
	for _, addr := range backtrace {
		symbol, offset := e.image.Symbolicate(addr)
		e.reporter.Frame(addr, symbol, offset, "")
	}
}

// Machine interface for the CPU.

// Syscall is defined in syscalls.go.

// ReportUninitializedValueUse prints the memcheck-style diagnostic and a
// backtrace; execution continues.
func (e *Emulator) ReportUninitializedValueUse(c *softcpu.CPU, what string) {
	e.reporter.Diagnostic("%s depends on uninitialized value at %#08x", capitalize(what), c.BaseEIP())
	e.DumpBacktrace()
}

// MemoryFault reports a guest memory fault and terminates. Memory faults
// are fatal: there is no signal delivery to hand them back to the guest.
func (e *Emulator) MemoryFault(c *softcpu.CPU, err error) {
	e.reporter.Blank()
	e.reporter.Diagnostic("Memory fault: %v (eip=%#08x)", err, c.BaseEIP())
	e.DumpBacktrace()
	e.dumpRegions()
	os.Exit(1)
}

// OnUnimplemented reports an instruction outside the supported set and
// terminates.
func (e *Emulator) OnUnimplemented(c *softcpu.CPU, inst x86asm.Inst) {
	e.reporter.Blank()
	e.reporter.Diagnostic("Unsupported instruction at %#08x: %s", c.BaseEIP(), inst.String())
	e.DumpBacktrace()
	os.Exit(1)
}

// AuditRead forwards data reads to the heap tracer.
func (e *Emulator) AuditRead(addr, size uint32) {
	e.tracer.AuditRead(addr, size)
}

// AuditWrite forwards data writes to the heap tracer.
func (e *Emulator) AuditWrite(addr, size uint32) {
	e.tracer.AuditWrite(addr, size)
}

func (e *Emulator) dumpRegions() {
	e.reporter.Line("Memory map:")
	for _, r := range e.mem.Regions() {
		flags := []byte("---")
		if r.IsReadable() {
			flags[0] = 'r'
		}
		if r.IsWritable() {
			flags[1] = 'w'
		}
		if r.IsExecutable() {
			flags[2] = 'x'
		}
		e.reporter.Line("  %08x-%08x %s %s", r.Base(), r.End(), flags, r.Name())
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
