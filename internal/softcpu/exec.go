package softcpu

import (
	"golang.org/x/arch/x86/x86asm"
)

// Step executes one instruction: save the base EIP, fetch and decode
// through the MMU, then dispatch on the opcode. Returns the decoded
// instruction for tracing.
func (c *CPU) Step() (x86asm.Inst, error) {
	c.SaveBaseEIP()
	inst, err := c.FetchInstruction()
	if err != nil {
		return inst, err
	}
	c.execute(inst)
	return inst, nil
}

func (c *CPU) execute(inst x86asm.Inst) {
	switch inst.Op {
	// Data movement
	case x86asm.MOV:
		c.execMov(inst)
	case x86asm.MOVZX:
		c.execMovzx(inst)
	case x86asm.MOVSX:
		c.execMovsx(inst)
	case x86asm.LEA:
		c.execLea(inst)
	case x86asm.XCHG:
		c.execXchg(inst)
	case x86asm.PUSH:
		c.execPush(inst)
	case x86asm.POP:
		c.execPop(inst)
	case x86asm.BSWAP:
		c.execBswap(inst)

	// Arithmetic
	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.CMP:
		c.execAddSub(inst)
	case x86asm.INC, x86asm.DEC:
		c.execIncDec(inst)
	case x86asm.NEG:
		c.execNeg(inst)
	case x86asm.MUL:
		c.execMul(inst)
	case x86asm.IMUL:
		c.execImul(inst)
	case x86asm.DIV, x86asm.IDIV:
		c.execDiv(inst)
	case x86asm.XADD:
		c.execXadd(inst)
	case x86asm.CBW, x86asm.CWDE, x86asm.CWD, x86asm.CDQ:
		c.execConvert(inst)

	// Logic and bit twiddling
	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		c.execLogic(inst)
	case x86asm.NOT:
		c.execNot(inst)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR:
		c.execShift(inst)
	case x86asm.SHLD, x86asm.SHRD:
		c.execShiftDouble(inst)
	case x86asm.BT, x86asm.BTS, x86asm.BTR, x86asm.BTC:
		c.execBitTest(inst)
	case x86asm.BSF, x86asm.BSR:
		c.execBitScan(inst)

	// Control flow
	case x86asm.JMP:
		c.execJmp(inst)
	case x86asm.CALL:
		c.execCall(inst)
	case x86asm.RET:
		c.execRet(inst)
	case x86asm.LEAVE:
		c.execLeave()
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		c.execLoop(inst)
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JS, x86asm.JNS, x86asm.JP, x86asm.JNP:
		c.execJcc(inst)
	case x86asm.JCXZ, x86asm.JECXZ:
		c.execJcxz(inst)
	case x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE,
		x86asm.SETNE, x86asm.SETG, x86asm.SETGE, x86asm.SETL, x86asm.SETLE,
		x86asm.SETO, x86asm.SETNO, x86asm.SETS, x86asm.SETNS, x86asm.SETP,
		x86asm.SETNP:
		c.execSetcc(inst)
	case x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE,
		x86asm.CMOVE, x86asm.CMOVNE, x86asm.CMOVG, x86asm.CMOVGE,
		x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVO, x86asm.CMOVNO,
		x86asm.CMOVS, x86asm.CMOVNS, x86asm.CMOVP, x86asm.CMOVNP:
		c.execCmovcc(inst)

	// String operations
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD:
		c.execMovs(inst)
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD:
		c.execStos(inst)
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD:
		c.execLods(inst)
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD:
		c.execScas(inst)
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD:
		c.execCmps(inst)

	// Flag manipulation and misc
	case x86asm.CLC:
		c.setFlag(FlagCF, false)
		c.markFlags(FlagCF, false)
	case x86asm.STC:
		c.setFlag(FlagCF, true)
		c.markFlags(FlagCF, false)
	case x86asm.CMC:
		c.setFlag(FlagCF, !c.getFlag(FlagCF))
	case x86asm.CLD:
		c.setFlag(FlagDF, false)
	case x86asm.STD:
		c.setFlag(FlagDF, true)
	case x86asm.NOP:
		// nothing
	case x86asm.INT:
		c.execInt(inst)

	default:
		c.machine.OnUnimplemented(c, inst)
	}
}

// SyscallVector is the software interrupt the target OS uses for syscalls.
const SyscallVector = 0x82

func (c *CPU) execInt(inst x86asm.Inst) {
	imm, ok := inst.Args[0].(x86asm.Imm)
	if !ok || uint8(imm) != SyscallVector {
		c.machine.OnUnimplemented(c, inst)
		return
	}
	c.machine.Syscall(c)
}

func hasPrefix(inst x86asm.Inst, p x86asm.Prefix) bool {
	for _, pfx := range inst.Prefix {
		if pfx == 0 {
			break
		}
		if pfx&0xFF == p&0xFF {
			return true
		}
	}
	return false
}
