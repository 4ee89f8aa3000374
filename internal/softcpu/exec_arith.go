package softcpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/shadow"
)

// Arithmetic follows the compute-then-combine pattern: the numeric result
// is computed on the value lanes, then wrapped with the ORed shadow of the
// inputs. Flags written by the operation carry the same taint.

func (c *CPU) execAddSub(inst x86asm.Inst) {
	w := operandWidth(inst)
	dst := c.readArg(inst.Args[0], w)
	src := c.readArg(inst.Args[1], w)
	tainted := dst.IsUninitialized() || src.IsUninitialized()

	var carry uint32
	if (inst.Op == x86asm.ADC || inst.Op == x86asm.SBB) && c.getFlag(FlagCF) {
		carry = 1
		tainted = tainted || c.FlagsTainted(FlagCF)
	}

	m := widthMask(w)
	var result uint32
	switch inst.Op {
	case x86asm.ADD, x86asm.ADC:
		result = (dst.Value + src.Value + carry) & m
		c.flagsForAdd(dst.Value&m, src.Value&m, result, carry, w, tainted)
	default: // SUB, SBB, CMP
		result = (dst.Value - src.Value - carry) & m
		c.flagsForSub(dst.Value&m, src.Value&m, result, carry, w, tainted)
	}

	if inst.Op != x86asm.CMP {
		c.writeArg(inst.Args[0], w, shadow.Taint32(result, dst, src))
	}
}

func (c *CPU) execIncDec(inst x86asm.Inst) {
	w := operandWidth(inst)
	v := c.readArg(inst.Args[0], w)
	m := widthMask(w)

	var result uint32
	if inst.Op == x86asm.INC {
		result = (v.Value + 1) & m
	} else {
		result = (v.Value - 1) & m
	}

	// INC/DEC leave CF alone.
	savedCF := c.getFlag(FlagCF)
	if inst.Op == x86asm.INC {
		c.flagsForAdd(v.Value&m, 1, result, 0, w, v.IsUninitialized())
	} else {
		c.flagsForSub(v.Value&m, 1, result, 0, w, v.IsUninitialized())
	}
	c.setFlag(FlagCF, savedCF)

	c.writeArg(inst.Args[0], w, shadow.Taint32(result, v))
}

func (c *CPU) execNeg(inst x86asm.Inst) {
	w := operandWidth(inst)
	v := c.readArg(inst.Args[0], w)
	m := widthMask(w)
	result := (-v.Value) & m

	c.flagsForSub(0, v.Value&m, result, 0, w, v.IsUninitialized())
	c.setFlag(FlagCF, v.Value&m != 0)
	c.writeArg(inst.Args[0], w, shadow.Taint32(result, v))
}

func (c *CPU) execMul(inst x86asm.Inst) {
	w := operandWidth(inst)
	src := c.readArg(inst.Args[0], w)
	a := c.gpr[RegEAX]
	tainted := src.IsUninitialized() || a.IsUninitialized()

	switch w {
	case 1:
		product := uint16(uint8(a.Value)) * uint16(uint8(src.Value))
		c.WriteRegister(x86asm.AX, shadow.Taint32(uint32(product), a, src))
		c.setMulFlags(uint32(product)>>8 != 0, tainted)
	case 2:
		product := uint32(uint16(a.Value)) * uint32(uint16(src.Value))
		c.WriteRegister(x86asm.AX, shadow.Taint32(product&0xFFFF, a, src))
		c.WriteRegister(x86asm.DX, shadow.Taint32(product>>16, a, src))
		c.setMulFlags(product>>16 != 0, tainted)
	default:
		product := uint64(a.Value) * uint64(src.Value)
		c.gpr[RegEAX] = shadow.Taint32(uint32(product), a, src)
		c.gpr[RegEDX] = shadow.Taint32(uint32(product>>32), a, src)
		c.setMulFlags(product>>32 != 0, tainted)
	}
}

func (c *CPU) setMulFlags(overflow, tainted bool) {
	c.setFlag(FlagCF, overflow)
	c.setFlag(FlagOF, overflow)
	c.markFlags(flagsArithMask, tainted)
}

func (c *CPU) execImul(inst x86asm.Inst) {
	w := operandWidth(inst)

	switch {
	case inst.Args[2] != nil:
		// imul r, r/m, imm
		src := c.readArg(inst.Args[1], w)
		imm := c.readArg(inst.Args[2], w)
		product := int64(int32(src.Value)) * int64(int32(imm.Value))
		c.writeArg(inst.Args[0], w, shadow.Taint32(uint32(product), src))
		c.setMulFlags(product != int64(int32(product)), src.IsUninitialized())
	case inst.Args[1] != nil:
		// imul r, r/m
		dst := c.readArg(inst.Args[0], w)
		src := c.readArg(inst.Args[1], w)
		product := int64(int32(dst.Value)) * int64(int32(src.Value))
		c.writeArg(inst.Args[0], w, shadow.Taint32(uint32(product), dst, src))
		c.setMulFlags(product != int64(int32(product)), dst.IsUninitialized() || src.IsUninitialized())
	default:
		// imul r/m: EDX:EAX = EAX * r/m
		src := c.readArg(inst.Args[0], w)
		a := c.gpr[RegEAX]
		product := int64(int32(a.Value)) * int64(int32(src.Value))
		c.gpr[RegEAX] = shadow.Taint32(uint32(product), a, src)
		c.gpr[RegEDX] = shadow.Taint32(uint32(uint64(product)>>32), a, src)
		c.setMulFlags(product != int64(int32(product)), a.IsUninitialized() || src.IsUninitialized())
	}
}

func (c *CPU) execDiv(inst x86asm.Inst) {
	w := operandWidth(inst)
	src := c.readArg(inst.Args[0], w)
	a := c.gpr[RegEAX]
	d := c.gpr[RegEDX]

	if src.IsUninitialized() {
		c.machine.ReportUninitializedValueUse(c, "division")
	}
	if src.Value&widthMask(w) == 0 {
		// #DE has no guest-visible delivery path; treat like any other
		// unsupported trap.
		c.machine.OnUnimplemented(c, inst)
		return
	}

	if w != 4 {
		// Narrow divides are rare in compiled code; only the dword form is
		// modelled.
		c.machine.OnUnimplemented(c, inst)
		return
	}

	if inst.Op == x86asm.DIV {
		dividend := uint64(d.Value)<<32 | uint64(a.Value)
		quotient := dividend / uint64(src.Value)
		remainder := dividend % uint64(src.Value)
		c.gpr[RegEAX] = shadow.Taint32(uint32(quotient), a, d, src)
		c.gpr[RegEDX] = shadow.Taint32(uint32(remainder), a, d, src)
	} else {
		dividend := int64(uint64(d.Value)<<32 | uint64(a.Value))
		quotient := dividend / int64(int32(src.Value))
		remainder := dividend % int64(int32(src.Value))
		c.gpr[RegEAX] = shadow.Taint32(uint32(quotient), a, d, src)
		c.gpr[RegEDX] = shadow.Taint32(uint32(remainder), a, d, src)
	}
	c.markFlags(flagsArithMask, a.IsUninitialized() || d.IsUninitialized() || src.IsUninitialized())
}

func (c *CPU) execXadd(inst x86asm.Inst) {
	w := operandWidth(inst)
	dst := c.readArg(inst.Args[0], w)
	src := c.readArg(inst.Args[1], w)
	m := widthMask(w)
	sum := (dst.Value + src.Value) & m

	c.flagsForAdd(dst.Value&m, src.Value&m, sum, 0, w, dst.IsUninitialized() || src.IsUninitialized())
	c.writeArg(inst.Args[1], w, dst)
	c.writeArg(inst.Args[0], w, shadow.Taint32(sum, dst, src))
}

func (c *CPU) execConvert(inst x86asm.Inst) {
	a := c.gpr[RegEAX]
	switch inst.Op {
	case x86asm.CBW:
		c.WriteRegister(x86asm.AX, a.Low8().SignExtend())
	case x86asm.CWDE:
		c.gpr[RegEAX] = a.Low16().SignExtend()
	case x86asm.CWD:
		var hi uint32
		if a.Value&0x8000 != 0 {
			hi = 0xFFFF
		}
		out := shadow.Value32{Value: hi}
		// Every result byte is a copy of AX's sign bit.
		if a.Shadow&0x0000FF00 != 0 {
			out.Shadow = shadow.Poison32
		}
		c.WriteRegister(x86asm.DX, out)
	case x86asm.CDQ:
		var hi uint32
		if a.Value&0x80000000 != 0 {
			hi = 0xFFFFFFFF
		}
		out := shadow.Value32{Value: hi}
		if a.Shadow&0xFF000000 != 0 {
			out.Shadow = shadow.Poison32
		}
		c.gpr[RegEDX] = out
	}
}
