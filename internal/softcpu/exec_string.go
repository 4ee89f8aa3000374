package softcpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
)

// String primitives. Shadow moves with the data: REP MOVS of a poisoned
// buffer produces an equally poisoned destination.

func stringWidth(op x86asm.Op) int {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.SCASB, x86asm.CMPSB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.SCASW, x86asm.CMPSW:
		return 2
	}
	return 4
}

func (c *CPU) stringStep(w int) uint32 {
	if c.getFlag(FlagDF) {
		return uint32(-w)
	}
	return uint32(w)
}

func (c *CPU) readString(reg int, w int) shadow.Value32 {
	addr := mmu.Address{Selector: mmu.SelData, Offset: c.gpr[reg].Value}
	switch w {
	case 1:
		return c.ReadMem8(addr).ZeroExtend()
	case 2:
		return c.ReadMem16(addr).ZeroExtend()
	}
	return c.ReadMem32(addr)
}

func (c *CPU) writeString(reg int, w int, v shadow.Value32) {
	addr := mmu.Address{Selector: mmu.SelData, Offset: c.gpr[reg].Value}
	switch w {
	case 1:
		c.WriteMem8(addr, v.Low8())
	case 2:
		c.WriteMem16(addr, v.Low16())
	default:
		c.WriteMem32(addr, v)
	}
}

func (c *CPU) advanceString(reg int, w int) {
	r := c.gpr[reg]
	c.gpr[reg] = shadow.Value32{Value: r.Value + c.stringStep(w), Shadow: r.Shadow}
}

// repeat runs body once, or ECX times under REP/REPNE. For SCAS/CMPS the
// while predicate additionally checks ZF against the repeat kind.
func (c *CPU) repeat(inst x86asm.Inst, compares bool, body func()) {
	rep := hasPrefix(inst, x86asm.PrefixREP)
	repn := hasPrefix(inst, x86asm.PrefixREPN)
	if !rep && !repn {
		body()
		return
	}
	for {
		ecx := c.gpr[RegECX]
		if ecx.Value == 0 {
			return
		}
		body()
		c.gpr[RegECX] = shadow.Taint32(ecx.Value-1, ecx)
		if compares {
			if rep && !c.getFlag(FlagZF) {
				return
			}
			if repn && c.getFlag(FlagZF) {
				return
			}
		}
	}
}

func (c *CPU) execMovs(inst x86asm.Inst) {
	w := stringWidth(inst.Op)
	c.repeat(inst, false, func() {
		c.writeString(RegEDI, w, c.readString(RegESI, w))
		c.advanceString(RegESI, w)
		c.advanceString(RegEDI, w)
	})
}

func (c *CPU) execStos(inst x86asm.Inst) {
	w := stringWidth(inst.Op)
	c.repeat(inst, false, func() {
		c.writeString(RegEDI, w, c.gpr[RegEAX])
		c.advanceString(RegEDI, w)
	})
}

func (c *CPU) execLods(inst x86asm.Inst) {
	w := stringWidth(inst.Op)
	c.repeat(inst, false, func() {
		v := c.readString(RegESI, w)
		switch w {
		case 1:
			c.WriteRegister(x86asm.AL, v)
		case 2:
			c.WriteRegister(x86asm.AX, v)
		default:
			c.gpr[RegEAX] = v
		}
		c.advanceString(RegESI, w)
	})
}

func (c *CPU) execScas(inst x86asm.Inst) {
	w := stringWidth(inst.Op)
	m := widthMask(w)
	c.repeat(inst, true, func() {
		a := c.gpr[RegEAX]
		v := c.readString(RegEDI, w)
		result := (a.Value - v.Value) & m
		c.flagsForSub(a.Value&m, v.Value&m, result, 0, w,
			a.IsUninitialized() || v.IsUninitialized())
		c.advanceString(RegEDI, w)
	})
}

func (c *CPU) execCmps(inst x86asm.Inst) {
	w := stringWidth(inst.Op)
	m := widthMask(w)
	c.repeat(inst, true, func() {
		a := c.readString(RegESI, w)
		b := c.readString(RegEDI, w)
		result := (a.Value - b.Value) & m
		c.flagsForSub(a.Value&m, b.Value&m, result, 0, w,
			a.IsUninitialized() || b.IsUninitialized())
		c.advanceString(RegESI, w)
		c.advanceString(RegEDI, w)
	})
}
