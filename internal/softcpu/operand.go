package softcpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
)

// memAddress materialises a decoder memory operand into a segmented guest
// address. Using poisoned registers in an address computation is reported:
// the access still happens at whatever value the bytes hold, matching the
// hardware, but the diagnostic pins down the first bad dereference.
func (c *CPU) memAddress(m x86asm.Mem) mmu.Address {
	offset := uint32(int32(m.Disp))
	tainted := false
	if m.Base != 0 {
		base := c.ReadRegister(m.Base)
		offset += base.Value
		tainted = tainted || base.IsUninitialized()
	}
	if m.Index != 0 {
		index := c.ReadRegister(m.Index)
		offset += index.Value * uint32(m.Scale)
		tainted = tainted || index.IsUninitialized()
	}
	if tainted {
		c.machine.ReportUninitializedValueUse(c, "address computation")
	}

	selector := mmu.SelData
	if m.Segment == x86asm.GS || m.Segment == x86asm.FS {
		selector = mmu.SelTLS
	}
	return mmu.Address{Selector: selector, Offset: offset}
}

// operandWidth picks the access width in bytes for an instruction whose
// operands share one size: a register operand wins, then the decoder's
// memory operand size, then the data-size prefix state.
func operandWidth(inst x86asm.Inst) int {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if r, ok := a.(x86asm.Reg); ok {
			return regWidth(r)
		}
	}
	if inst.MemBytes > 0 {
		return inst.MemBytes
	}
	if inst.DataSize == 16 {
		return 2
	}
	return 4
}

// readArg reads a register, memory, or immediate operand at width w. The
// result sits in the low bytes of the Value32 with byte-accurate shadow;
// immediates are defined by definition.
func (c *CPU) readArg(arg x86asm.Arg, w int) shadow.Value32 {
	switch a := arg.(type) {
	case x86asm.Reg:
		return c.ReadRegister(a)
	case x86asm.Mem:
		addr := c.memAddress(a)
		switch w {
		case 1:
			return c.ReadMem8(addr).ZeroExtend()
		case 2:
			return c.ReadMem16(addr).ZeroExtend()
		default:
			return c.ReadMem32(addr)
		}
	case x86asm.Imm:
		return shadow.Initialized32(uint32(int32(a)) & widthMask(w))
	}
	return shadow.Uninitialized32(0)
}

// readArgSigned reads an operand and sign-extends it from width w.
func (c *CPU) readArgSigned(arg x86asm.Arg, w int) shadow.Value32 {
	v := c.readArg(arg, w)
	switch w {
	case 1:
		return v.Low8().SignExtend()
	case 2:
		return v.Low16().SignExtend()
	}
	return v
}

// writeArg stores the low w bytes of v into a register or memory operand.
func (c *CPU) writeArg(arg x86asm.Arg, w int, v shadow.Value32) {
	switch a := arg.(type) {
	case x86asm.Reg:
		c.WriteRegister(a, v)
	case x86asm.Mem:
		addr := c.memAddress(a)
		switch w {
		case 1:
			c.WriteMem8(addr, v.Low8())
		case 2:
			c.WriteMem16(addr, v.Low16())
		default:
			c.WriteMem32(addr, v)
		}
	}
}
