// Package softcpu interprets 32-bit x86 user code over the software MMU,
// propagating per-byte definedness through every register and memory cell.
//
// Instruction decoding is delegated to golang.org/x/arch/x86/x86asm; this
// package owns the register file, the per-opcode semantics, and the shadow
// propagation contract: the shadow of any computed result is the combination
// of the shadows of its inputs.
package softcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
)

// General-purpose register indices in hardware encoding order.
const (
	RegEAX = iota
	RegECX
	RegEDX
	RegEBX
	RegESP
	RegEBP
	RegESI
	RegEDI
	gprCount
)

// Segment register indices.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	segCount
)

// Machine is the CPU's window back into the surrounding emulator: memory,
// the syscall gateway, diagnostics, and the heap tracer's audit hooks.
// Threading this interface through instead of reaching for a global keeps
// the CPU testable against a fake machine.
type Machine interface {
	Mmu() *mmu.MMU

	// Syscall services an INT 0x82 trap. Arguments and the return value
	// travel through the register file.
	Syscall(c *CPU)

	// ReportUninitializedValueUse emits a diagnostic (with backtrace) for a
	// decision taken on poisoned data. Execution continues.
	ReportUninitializedValueUse(c *CPU, what string)

	// MemoryFault handles a guest memory fault. It does not return.
	MemoryFault(c *CPU, err error)

	// OnUnimplemented handles an instruction outside the supported set.
	// It does not return.
	OnUnimplemented(c *CPU, inst x86asm.Inst)

	// AuditRead and AuditWrite observe every guest-initiated data access,
	// letting the heap tracer catch touches of freed blocks.
	AuditRead(addr, size uint32)
	AuditWrite(addr, size uint32)
}

// CPU is the 32-bit x86 register file plus shadow state.
type CPU struct {
	machine Machine

	gpr     [gprCount]shadow.Value32
	segment [segCount]shadow.Value16

	eflags     uint32
	flagsTaint uint32 // flag bits currently derived from poisoned inputs

	eip     uint32
	baseEIP uint32
}

// New creates a CPU in the post-reset state: all general-purpose registers
// and flags uninitialised, segments set to the flat data selector except GS,
// which gets the TLS selector.
func New(machine Machine) *CPU {
	c := &CPU{machine: machine}
	for i := range c.gpr {
		c.gpr[i] = shadow.Uninitialized32(0)
	}
	for i := range c.segment {
		c.segment[i] = shadow.Initialized16(uint16(mmu.SelData))
	}
	c.segment[SegGS] = shadow.Initialized16(uint16(mmu.SelTLS))
	c.flagsTaint = flagsArithMask
	return c
}

// EIP returns the instruction pointer.
func (c *CPU) EIP() uint32 { return c.eip }

// SetEIP sets the instruction pointer.
func (c *CPU) SetEIP(eip uint32) { c.eip = eip }

// BaseEIP returns the address of the currently executing instruction.
func (c *CPU) BaseEIP() uint32 { return c.baseEIP }

// SaveBaseEIP captures the instruction start before the fetch advances EIP.
func (c *CPU) SaveBaseEIP() { c.baseEIP = c.eip }

// Reg returns a general-purpose register by index.
func (c *CPU) Reg(idx int) shadow.Value32 { return c.gpr[idx] }

// SetReg stores a general-purpose register by index.
func (c *CPU) SetReg(idx int, v shadow.Value32) { c.gpr[idx] = v }

// ESP returns the stack pointer.
func (c *CPU) ESP() shadow.Value32 { return c.gpr[RegESP] }

// SetESP stores the stack pointer.
func (c *CPU) SetESP(v shadow.Value32) { c.gpr[RegESP] = v }

// EBP returns the frame pointer.
func (c *CPU) EBP() shadow.Value32 { return c.gpr[RegEBP] }

// EAX returns the accumulator.
func (c *CPU) EAX() shadow.Value32 { return c.gpr[RegEAX] }

// SetEAX stores the accumulator.
func (c *CPU) SetEAX(v shadow.Value32) { c.gpr[RegEAX] = v }

// EBX, ECX, EDX accessors used by the syscall gateway.
func (c *CPU) EBX() shadow.Value32 { return c.gpr[RegEBX] }
func (c *CPU) ECX() shadow.Value32 { return c.gpr[RegECX] }
func (c *CPU) EDX() shadow.Value32 { return c.gpr[RegEDX] }

// Memory access. Every guest-initiated data access funnels through these,
// so the audit hooks see one event per access.

// ReadMem8 reads a byte from guest memory. Faults are fatal.
func (c *CPU) ReadMem8(addr mmu.Address) shadow.Value8 {
	c.machine.AuditRead(addr.Offset, 1)
	v, err := c.machine.Mmu().Read8(addr)
	if err != nil {
		c.machine.MemoryFault(c, err)
	}
	return v
}

// ReadMem16 reads a word from guest memory.
func (c *CPU) ReadMem16(addr mmu.Address) shadow.Value16 {
	c.machine.AuditRead(addr.Offset, 2)
	v, err := c.machine.Mmu().Read16(addr)
	if err != nil {
		c.machine.MemoryFault(c, err)
	}
	return v
}

// ReadMem32 reads a dword from guest memory.
func (c *CPU) ReadMem32(addr mmu.Address) shadow.Value32 {
	c.machine.AuditRead(addr.Offset, 4)
	v, err := c.machine.Mmu().Read32(addr)
	if err != nil {
		c.machine.MemoryFault(c, err)
	}
	return v
}

// WriteMem8 stores a byte to guest memory.
func (c *CPU) WriteMem8(addr mmu.Address, v shadow.Value8) {
	c.machine.AuditWrite(addr.Offset, 1)
	if err := c.machine.Mmu().Write8(addr, v); err != nil {
		c.machine.MemoryFault(c, err)
	}
}

// WriteMem16 stores a word to guest memory.
func (c *CPU) WriteMem16(addr mmu.Address, v shadow.Value16) {
	c.machine.AuditWrite(addr.Offset, 2)
	if err := c.machine.Mmu().Write16(addr, v); err != nil {
		c.machine.MemoryFault(c, err)
	}
}

// WriteMem32 stores a dword to guest memory.
func (c *CPU) WriteMem32(addr mmu.Address, v shadow.Value32) {
	c.machine.AuditWrite(addr.Offset, 4)
	if err := c.machine.Mmu().Write32(addr, v); err != nil {
		c.machine.MemoryFault(c, err)
	}
}

// Push32 pushes a dword; ESP decreases by 4.
func (c *CPU) Push32(v shadow.Value32) {
	esp := c.gpr[RegESP]
	newESP := shadow.Value32{Value: esp.Value - 4, Shadow: esp.Shadow}
	c.gpr[RegESP] = newESP
	c.WriteMem32(mmu.Address{Selector: mmu.SelData, Offset: newESP.Value}, v)
}

// Pop32 pops a dword; ESP increases by 4.
func (c *CPU) Pop32() shadow.Value32 {
	esp := c.gpr[RegESP]
	v := c.ReadMem32(mmu.Address{Selector: mmu.SelData, Offset: esp.Value})
	c.gpr[RegESP] = shadow.Value32{Value: esp.Value + 4, Shadow: esp.Shadow}
	return v
}

// PushString places a NUL-terminated string on the stack, 16-byte aligning
// the reservation, and leaves ESP pointing at the first character.
func (c *CPU) PushString(s string) {
	space := (uint32(len(s)+1) + 15) &^ 15
	esp := c.gpr[RegESP].Value - space
	c.gpr[RegESP] = shadow.Value32{Value: esp, Shadow: c.gpr[RegESP].Shadow}
	if err := c.machine.Mmu().CopyToVM(esp, append([]byte(s), 0)); err != nil {
		c.machine.MemoryFault(c, err)
	}
}

// FetchInstruction reads the next instruction through the MMU and decodes
// it. Text bytes are defined by construction, so fetches carry no shadow.
func (c *CPU) FetchInstruction() (x86asm.Inst, error) {
	var buf [15]byte
	n := 0
	for ; n < len(buf); n++ {
		v, err := c.machine.Mmu().Read8(mmu.Address{Selector: mmu.SelData, Offset: c.eip + uint32(n)})
		if err != nil {
			break
		}
		buf[n] = v.Value
	}
	if n == 0 {
		return x86asm.Inst{}, &mmu.Fault{Kind: mmu.FaultUnmapped, Addr: mmu.Address{Selector: mmu.SelData, Offset: c.eip}, Size: 1}
	}
	inst, err := x86asm.Decode(buf[:n], 32)
	if err != nil {
		return x86asm.Inst{}, fmt.Errorf("decode at %#08x: %w", c.eip, err)
	}
	c.eip += uint32(inst.Len)
	return inst, nil
}

// Dump prints the register file, four registers per line followed by eip
// and eflags, flagging poisoned values. Used by trace mode.
func (c *CPU) Dump() string {
	names := [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
	out := ""
	for i, name := range names {
		marker := ""
		if c.gpr[i].IsUninitialized() {
			marker = " (uninit)"
		}
		out += fmt.Sprintf("%s=%08x%s ", name, c.gpr[i].Value, marker)
		if i == 3 {
			out += "\n"
		}
	}
	out += fmt.Sprintf("\neip=%08x eflags=%08x", c.eip, c.eflags)
	return out
}
