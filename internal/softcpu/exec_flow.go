package softcpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
)

// condition describes one x86 condition code: the predicate over the flags
// and the set of flag bits it consumes (for taint checking).
type condition struct {
	consumes uint32
	holds    func(c *CPU) bool
}

var conditions = map[x86asm.Op]condition{
	x86asm.JO:  {FlagOF, func(c *CPU) bool { return c.getFlag(FlagOF) }},
	x86asm.JNO: {FlagOF, func(c *CPU) bool { return !c.getFlag(FlagOF) }},
	x86asm.JB:  {FlagCF, func(c *CPU) bool { return c.getFlag(FlagCF) }},
	x86asm.JAE: {FlagCF, func(c *CPU) bool { return !c.getFlag(FlagCF) }},
	x86asm.JE:  {FlagZF, func(c *CPU) bool { return c.getFlag(FlagZF) }},
	x86asm.JNE: {FlagZF, func(c *CPU) bool { return !c.getFlag(FlagZF) }},
	x86asm.JBE: {FlagCF | FlagZF, func(c *CPU) bool { return c.getFlag(FlagCF) || c.getFlag(FlagZF) }},
	x86asm.JA:  {FlagCF | FlagZF, func(c *CPU) bool { return !c.getFlag(FlagCF) && !c.getFlag(FlagZF) }},
	x86asm.JS:  {FlagSF, func(c *CPU) bool { return c.getFlag(FlagSF) }},
	x86asm.JNS: {FlagSF, func(c *CPU) bool { return !c.getFlag(FlagSF) }},
	x86asm.JP:  {FlagPF, func(c *CPU) bool { return c.getFlag(FlagPF) }},
	x86asm.JNP: {FlagPF, func(c *CPU) bool { return !c.getFlag(FlagPF) }},
	x86asm.JL:  {FlagSF | FlagOF, func(c *CPU) bool { return c.getFlag(FlagSF) != c.getFlag(FlagOF) }},
	x86asm.JGE: {FlagSF | FlagOF, func(c *CPU) bool { return c.getFlag(FlagSF) == c.getFlag(FlagOF) }},
	x86asm.JLE: {FlagSF | FlagOF | FlagZF, func(c *CPU) bool {
		return c.getFlag(FlagZF) || c.getFlag(FlagSF) != c.getFlag(FlagOF)
	}},
	x86asm.JG: {FlagSF | FlagOF | FlagZF, func(c *CPU) bool {
		return !c.getFlag(FlagZF) && c.getFlag(FlagSF) == c.getFlag(FlagOF)
	}},
}

// conditionAliases maps SETcc and CMOVcc opcodes onto the Jcc table.
var conditionAliases = map[x86asm.Op]x86asm.Op{
	x86asm.SETO: x86asm.JO, x86asm.SETNO: x86asm.JNO,
	x86asm.SETB: x86asm.JB, x86asm.SETAE: x86asm.JAE,
	x86asm.SETE: x86asm.JE, x86asm.SETNE: x86asm.JNE,
	x86asm.SETBE: x86asm.JBE, x86asm.SETA: x86asm.JA,
	x86asm.SETS: x86asm.JS, x86asm.SETNS: x86asm.JNS,
	x86asm.SETP: x86asm.JP, x86asm.SETNP: x86asm.JNP,
	x86asm.SETL: x86asm.JL, x86asm.SETGE: x86asm.JGE,
	x86asm.SETLE: x86asm.JLE, x86asm.SETG: x86asm.JG,

	x86asm.CMOVO: x86asm.JO, x86asm.CMOVNO: x86asm.JNO,
	x86asm.CMOVB: x86asm.JB, x86asm.CMOVAE: x86asm.JAE,
	x86asm.CMOVE: x86asm.JE, x86asm.CMOVNE: x86asm.JNE,
	x86asm.CMOVBE: x86asm.JBE, x86asm.CMOVA: x86asm.JA,
	x86asm.CMOVS: x86asm.JS, x86asm.CMOVNS: x86asm.JNS,
	x86asm.CMOVP: x86asm.JP, x86asm.CMOVNP: x86asm.JNP,
	x86asm.CMOVL: x86asm.JL, x86asm.CMOVGE: x86asm.JGE,
	x86asm.CMOVLE: x86asm.JLE, x86asm.CMOVG: x86asm.JG,
}

// evalCondition evaluates a condition code, reporting if any consumed flag
// bit is derived from poisoned data.
func (c *CPU) evalCondition(op x86asm.Op, what string) bool {
	if alias, ok := conditionAliases[op]; ok {
		op = alias
	}
	cond := conditions[op]
	if c.FlagsTainted(cond.consumes) {
		c.machine.ReportUninitializedValueUse(c, what)
	}
	return cond.holds(c)
}

// branchTarget resolves a JMP/CALL operand: relative displacement, register,
// or memory indirect.
func (c *CPU) branchTarget(arg x86asm.Arg) uint32 {
	switch a := arg.(type) {
	case x86asm.Rel:
		return c.eip + uint32(int32(a))
	case x86asm.Reg:
		v := c.ReadRegister(a)
		if v.IsUninitialized() {
			c.machine.ReportUninitializedValueUse(c, "branch target")
		}
		return v.Value
	case x86asm.Mem:
		v := c.ReadMem32(c.memAddress(a))
		if v.IsUninitialized() {
			c.machine.ReportUninitializedValueUse(c, "branch target")
		}
		return v.Value
	}
	c.machine.ReportUninitializedValueUse(c, "branch target")
	return c.eip
}

func (c *CPU) execJmp(inst x86asm.Inst) {
	c.eip = c.branchTarget(inst.Args[0])
}

func (c *CPU) execJcc(inst x86asm.Inst) {
	taken := c.evalCondition(inst.Op, "conditional jump")
	if taken {
		c.eip = c.branchTarget(inst.Args[0])
	}
}

func (c *CPU) execJcxz(inst x86asm.Inst) {
	ecx := c.gpr[RegECX]
	if ecx.IsUninitialized() {
		c.machine.ReportUninitializedValueUse(c, "conditional jump")
	}
	var zero bool
	if inst.Op == x86asm.JCXZ {
		zero = uint16(ecx.Value) == 0
	} else {
		zero = ecx.Value == 0
	}
	if zero {
		c.eip = c.branchTarget(inst.Args[0])
	}
}

func (c *CPU) execSetcc(inst x86asm.Inst) {
	var v uint32
	if c.evalCondition(inst.Op, "setcc") {
		v = 1
	}
	c.writeArg(inst.Args[0], 1, shadow.Initialized32(v))
}

func (c *CPU) execCmovcc(inst x86asm.Inst) {
	w := operandWidth(inst)
	if c.evalCondition(inst.Op, "conditional move") {
		c.writeArg(inst.Args[0], w, c.readArg(inst.Args[1], w))
	}
}

func (c *CPU) execCall(inst x86asm.Inst) {
	target := c.branchTarget(inst.Args[0])
	c.Push32(shadow.Initialized32(c.eip))
	c.eip = target
}

func (c *CPU) execRet(inst x86asm.Inst) {
	ret := c.Pop32()
	if ret.IsUninitialized() {
		c.machine.ReportUninitializedValueUse(c, "return address")
	}
	c.eip = ret.Value
	if imm, ok := inst.Args[0].(x86asm.Imm); ok {
		esp := c.gpr[RegESP]
		c.gpr[RegESP] = shadow.Value32{Value: esp.Value + uint32(imm), Shadow: esp.Shadow}
	}
}

func (c *CPU) execLeave() {
	ebp := c.gpr[RegEBP]
	c.gpr[RegESP] = ebp
	c.gpr[RegEBP] = c.Pop32()
}

func (c *CPU) execLoop(inst x86asm.Inst) {
	ecx := c.gpr[RegECX]
	if ecx.IsUninitialized() {
		c.machine.ReportUninitializedValueUse(c, "loop counter")
	}
	count := ecx.Value - 1
	c.gpr[RegECX] = shadow.Taint32(count, ecx)

	take := count != 0
	switch inst.Op {
	case x86asm.LOOPE:
		take = take && c.getFlag(FlagZF)
	case x86asm.LOOPNE:
		take = take && !c.getFlag(FlagZF)
	}
	if take {
		c.eip = c.branchTarget(inst.Args[0])
	}
}

// StackAddress wraps a flat stack offset for the frame walker.
func StackAddress(offset uint32) mmu.Address {
	return mmu.Address{Selector: mmu.SelData, Offset: offset}
}
