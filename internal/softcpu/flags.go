package softcpu

// EFLAGS bit masks.
const (
	FlagCF uint32 = 1 << 0
	FlagPF uint32 = 1 << 2
	FlagAF uint32 = 1 << 4
	FlagZF uint32 = 1 << 6
	FlagSF uint32 = 1 << 7
	FlagDF uint32 = 1 << 10
	FlagOF uint32 = 1 << 11
)

// flagsArithMask covers the six status flags arithmetic ops rewrite.
const flagsArithMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

// Eflags returns the raw flag bits.
func (c *CPU) Eflags() uint32 { return c.eflags }

// FlagsTainted reports whether any of the given flag bits currently derive
// from poisoned inputs.
func (c *CPU) FlagsTainted(mask uint32) bool { return c.flagsTaint&mask != 0 }

func (c *CPU) getFlag(mask uint32) bool { return c.eflags&mask != 0 }

func (c *CPU) setFlag(mask uint32, on bool) {
	if on {
		c.eflags |= mask
	} else {
		c.eflags &^= mask
	}
}

// markFlags records which status flags were just rewritten and whether the
// rewrite drew on poisoned inputs.
func (c *CPU) markFlags(mask uint32, tainted bool) {
	if tainted {
		c.flagsTaint |= mask
	} else {
		c.flagsTaint &^= mask
	}
}

func parity(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

func widthMask(w int) uint32 {
	switch w {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func signBit(w int) uint32 {
	return 1 << (uint(w)*8 - 1)
}

// setResultFlags updates PF/ZF/SF from a masked result.
func (c *CPU) setResultFlags(result uint32, w int) {
	result &= widthMask(w)
	c.setFlag(FlagPF, parity(uint8(result)))
	c.setFlag(FlagZF, result == 0)
	c.setFlag(FlagSF, result&signBit(w) != 0)
}

// flagsForAdd sets the status flags after a + b (+carry) of width w.
func (c *CPU) flagsForAdd(a, b, result uint32, carryIn uint32, w int, tainted bool) {
	m := widthMask(w)
	wide := uint64(a&m) + uint64(b&m) + uint64(carryIn)
	c.setFlag(FlagCF, wide > uint64(m))
	c.setFlag(FlagAF, (a^b^result)&0x10 != 0)
	c.setFlag(FlagOF, (^(a^b)&(a^result))&signBit(w) != 0)
	c.setResultFlags(result, w)
	c.markFlags(flagsArithMask, tainted)
}

// flagsForSub sets the status flags after a - b (-borrow) of width w.
func (c *CPU) flagsForSub(a, b, result uint32, borrowIn uint32, w int, tainted bool) {
	m := widthMask(w)
	c.setFlag(FlagCF, uint64(a&m) < uint64(b&m)+uint64(borrowIn))
	c.setFlag(FlagAF, (a^b^result)&0x10 != 0)
	c.setFlag(FlagOF, ((a^b)&(a^result))&signBit(w) != 0)
	c.setResultFlags(result, w)
	c.markFlags(flagsArithMask, tainted)
}

// flagsForLogic sets the status flags after a bitwise op: CF and OF clear.
func (c *CPU) flagsForLogic(result uint32, w int, tainted bool) {
	c.setFlag(FlagCF, false)
	c.setFlag(FlagOF, false)
	c.setFlag(FlagAF, false)
	c.setResultFlags(result, w)
	c.markFlags(flagsArithMask, tainted)
}
