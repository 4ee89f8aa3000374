package softcpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/shadow"
)

// Data movement copies shadow byte-for-byte: MOV of a half-poisoned dword
// stays half-poisoned.

func (c *CPU) execMov(inst x86asm.Inst) {
	w := operandWidth(inst)
	v := c.readArg(inst.Args[1], w)
	c.writeArg(inst.Args[0], w, v)
}

func (c *CPU) execMovzx(inst x86asm.Inst) {
	srcW := inst.MemBytes
	if r, ok := inst.Args[1].(x86asm.Reg); ok {
		srcW = regWidth(r)
	}
	v := c.readArg(inst.Args[1], srcW)
	switch srcW {
	case 1:
		c.writeArg(inst.Args[0], regWidth(inst.Args[0].(x86asm.Reg)), v.Low8().ZeroExtend())
	default:
		c.writeArg(inst.Args[0], regWidth(inst.Args[0].(x86asm.Reg)), v.Low16().ZeroExtend())
	}
}

func (c *CPU) execMovsx(inst x86asm.Inst) {
	srcW := inst.MemBytes
	if r, ok := inst.Args[1].(x86asm.Reg); ok {
		srcW = regWidth(r)
	}
	v := c.readArgSigned(inst.Args[1], srcW)
	c.writeArg(inst.Args[0], regWidth(inst.Args[0].(x86asm.Reg)), v)
}

func (c *CPU) execLea(inst x86asm.Inst) {
	mem, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		c.machine.OnUnimplemented(c, inst)
		return
	}
	// LEA only computes; no memory access, and the poison of the address
	// registers flows into the result instead of raising a diagnostic.
	offset := uint32(int32(mem.Disp))
	var inputs []shadow.Value32
	if mem.Base != 0 {
		base := c.ReadRegister(mem.Base)
		offset += base.Value
		inputs = append(inputs, base)
	}
	if mem.Index != 0 {
		index := c.ReadRegister(mem.Index)
		offset += index.Value * uint32(mem.Scale)
		inputs = append(inputs, index)
	}
	c.writeArg(inst.Args[0], operandWidth(inst), shadow.Taint32(offset, inputs...))
}

func (c *CPU) execXchg(inst x86asm.Inst) {
	w := operandWidth(inst)
	a := c.readArg(inst.Args[0], w)
	b := c.readArg(inst.Args[1], w)
	c.writeArg(inst.Args[0], w, b)
	c.writeArg(inst.Args[1], w, a)
}

func (c *CPU) execPush(inst x86asm.Inst) {
	v := c.readArg(inst.Args[0], 4)
	if imm, ok := inst.Args[0].(x86asm.Imm); ok {
		v = shadow.Initialized32(uint32(int32(imm)))
	}
	c.Push32(v)
}

func (c *CPU) execPop(inst x86asm.Inst) {
	c.writeArg(inst.Args[0], 4, c.Pop32())
}

func (c *CPU) execBswap(inst x86asm.Inst) {
	v := c.readArg(inst.Args[0], 4)
	b := shadow.SplitBytes(v)
	c.writeArg(inst.Args[0], 4, shadow.JoinBytes([4]shadow.Value8{b[3], b[2], b[1], b[0]}))
}
