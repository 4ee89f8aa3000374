package softcpu

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/shadow"
)

func (c *CPU) execLogic(inst x86asm.Inst) {
	w := operandWidth(inst)
	dst := c.readArg(inst.Args[0], w)
	src := c.readArg(inst.Args[1], w)
	m := widthMask(w)

	var result uint32
	switch inst.Op {
	case x86asm.AND, x86asm.TEST:
		result = dst.Value & src.Value & m
	case x86asm.OR:
		result = (dst.Value | src.Value) & m
	case x86asm.XOR:
		result = (dst.Value ^ src.Value) & m
	}

	// xor r, r is the canonical zero idiom and defines the register even
	// if it was poisoned before.
	if inst.Op == x86asm.XOR && inst.Args[0] == inst.Args[1] {
		c.flagsForLogic(0, w, false)
		c.writeArg(inst.Args[0], w, shadow.Initialized32(0))
		return
	}

	tainted := dst.IsUninitialized() || src.IsUninitialized()
	c.flagsForLogic(result, w, tainted)
	if inst.Op != x86asm.TEST {
		c.writeArg(inst.Args[0], w, shadow.Taint32(result, dst, src))
	}
}

func (c *CPU) execNot(inst x86asm.Inst) {
	w := operandWidth(inst)
	v := c.readArg(inst.Args[0], w)
	c.writeArg(inst.Args[0], w, shadow.Taint32(^v.Value&widthMask(w), v))
}

func (c *CPU) execShift(inst x86asm.Inst) {
	w := operandWidth(inst)
	v := c.readArg(inst.Args[0], w)
	countArg := c.readArg(inst.Args[1], 1)
	count := countArg.Value & 0x1F
	m := widthMask(w)
	nbits := uint32(w * 8)

	if count == 0 {
		// No shift happens, but an undefined count still makes the
		// outcome undefined.
		if countArg.IsUninitialized() {
			c.markFlags(flagsArithMask, true)
			c.writeArg(inst.Args[0], w, shadow.Value32{Value: v.Value, Shadow: shadow.Poison32})
		}
		return
	}

	tainted := v.IsUninitialized() || countArg.IsUninitialized()
	val := v.Value & m
	var result uint32
	var cf bool

	switch inst.Op {
	case x86asm.SHL:
		result = (val << count) & m
		cf = count <= nbits && val&(1<<(nbits-count)) != 0
	case x86asm.SHR:
		result = val >> count
		cf = val&(1<<(count-1)) != 0
	case x86asm.SAR:
		signed := int32(val << (32 - nbits)) >> (32 - nbits)
		result = uint32(signed>>count) & m
		cf = val&(1<<(count-1)) != 0
	case x86asm.ROL:
		count %= nbits
		result = (val<<count | val>>(nbits-count)) & m
		cf = result&1 != 0
	case x86asm.ROR:
		count %= nbits
		result = (val>>count | val<<(nbits-count)) & m
		cf = result&signBit(w) != 0
	}

	c.setFlag(FlagCF, cf)
	if inst.Op == x86asm.SHL || inst.Op == x86asm.SHR || inst.Op == x86asm.SAR {
		c.setResultFlags(result, w)
	}
	if count == 1 {
		c.setFlag(FlagOF, (result^val)&signBit(w) != 0)
	}
	c.markFlags(flagsArithMask, tainted)
	out := shadow.Taint32(result, v)
	if countArg.IsUninitialized() {
		// An undefined shift amount makes every result byte undefined.
		out.Shadow = shadow.Poison32
	}
	c.writeArg(inst.Args[0], w, out)
}

func (c *CPU) execShiftDouble(inst x86asm.Inst) {
	w := operandWidth(inst)
	dst := c.readArg(inst.Args[0], w)
	src := c.readArg(inst.Args[1], w)
	countArg := c.readArg(inst.Args[2], 1)
	count := countArg.Value & 0x1F
	nbits := uint32(w * 8)
	m := widthMask(w)

	if count == 0 || count > nbits {
		return
	}

	var result uint32
	var cf bool
	if inst.Op == x86asm.SHLD {
		result = (dst.Value<<count | src.Value&m>>(nbits-count)) & m
		cf = dst.Value&(1<<(nbits-count)) != 0
	} else {
		result = (dst.Value&m>>count | src.Value<<(nbits-count)) & m
		cf = dst.Value&(1<<(count-1)) != 0
	}

	c.setFlag(FlagCF, cf)
	c.setResultFlags(result, w)
	c.markFlags(flagsArithMask, dst.IsUninitialized() || src.IsUninitialized() || countArg.IsUninitialized())
	out := shadow.Taint32(result, dst, src)
	if countArg.IsUninitialized() {
		out.Shadow = shadow.Poison32
	}
	c.writeArg(inst.Args[0], w, out)
}

func (c *CPU) execBitTest(inst x86asm.Inst) {
	w := operandWidth(inst)
	v := c.readArg(inst.Args[0], w)
	idx := c.readArg(inst.Args[1], w)
	bit := idx.Value % uint32(w*8)

	set := v.Value&(1<<bit) != 0
	c.setFlag(FlagCF, set)
	c.markFlags(FlagCF, v.IsUninitialized() || idx.IsUninitialized())

	var result uint32
	switch inst.Op {
	case x86asm.BT:
		return
	case x86asm.BTS:
		result = v.Value | 1<<bit
	case x86asm.BTR:
		result = v.Value &^ (1 << bit)
	case x86asm.BTC:
		result = v.Value ^ 1<<bit
	}
	c.writeArg(inst.Args[0], w, shadow.Taint32(result, v, idx))
}

func (c *CPU) execBitScan(inst x86asm.Inst) {
	w := operandWidth(inst)
	src := c.readArg(inst.Args[1], w)
	val := src.Value & widthMask(w)

	c.setFlag(FlagZF, val == 0)
	c.markFlags(FlagZF, src.IsUninitialized())
	if val == 0 {
		return // destination undefined; leave it alone
	}

	var pos uint32
	if inst.Op == x86asm.BSF {
		pos = uint32(bits.TrailingZeros32(val))
	} else {
		pos = 31 - uint32(bits.LeadingZeros32(val))
	}
	c.writeArg(inst.Args[0], w, shadow.Taint32(pos, src))
}
