package softcpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/shadow"
)

// regSlot describes where a decoder register name lands in the register
// file: parent GPR index, access width in bytes, and whether it is a high
// byte register (AH/CH/DH/BH).
type regSlot struct {
	index int
	width int
	high  bool
}

var regSlots = map[x86asm.Reg]regSlot{
	x86asm.AL: {RegEAX, 1, false}, x86asm.CL: {RegECX, 1, false},
	x86asm.DL: {RegEDX, 1, false}, x86asm.BL: {RegEBX, 1, false},
	x86asm.AH: {RegEAX, 1, true}, x86asm.CH: {RegECX, 1, true},
	x86asm.DH: {RegEDX, 1, true}, x86asm.BH: {RegEBX, 1, true},

	x86asm.AX: {RegEAX, 2, false}, x86asm.CX: {RegECX, 2, false},
	x86asm.DX: {RegEDX, 2, false}, x86asm.BX: {RegEBX, 2, false},
	x86asm.SP: {RegESP, 2, false}, x86asm.BP: {RegEBP, 2, false},
	x86asm.SI: {RegESI, 2, false}, x86asm.DI: {RegEDI, 2, false},

	x86asm.EAX: {RegEAX, 4, false}, x86asm.ECX: {RegECX, 4, false},
	x86asm.EDX: {RegEDX, 4, false}, x86asm.EBX: {RegEBX, 4, false},
	x86asm.ESP: {RegESP, 4, false}, x86asm.EBP: {RegEBP, 4, false},
	x86asm.ESI: {RegESI, 4, false}, x86asm.EDI: {RegEDI, 4, false},
}

var segSlots = map[x86asm.Reg]int{
	x86asm.ES: SegES, x86asm.CS: SegCS, x86asm.SS: SegSS,
	x86asm.DS: SegDS, x86asm.FS: SegFS, x86asm.GS: SegGS,
}

// ReadRegister reads any decoder register name, returning the value in the
// low bytes of a Value32 with byte-accurate shadow.
func (c *CPU) ReadRegister(r x86asm.Reg) shadow.Value32 {
	if slot, ok := regSlots[r]; ok {
		parent := c.gpr[slot.index]
		switch {
		case slot.width == 4:
			return parent
		case slot.width == 2:
			return parent.Low16().ZeroExtend()
		case slot.high:
			return shadow.Value8{
				Value:  uint8(parent.Value >> 8),
				Shadow: uint8(parent.Shadow >> 8),
			}.ZeroExtend()
		default:
			return parent.Low8().ZeroExtend()
		}
	}
	if idx, ok := segSlots[r]; ok {
		return c.segment[idx].ZeroExtend()
	}
	c.machine.OnUnimplemented(c, x86asm.Inst{Op: x86asm.MOV, Args: x86asm.Args{r}})
	return shadow.Value32{}
}

// WriteRegister stores into any decoder register name, merging sub-register
// writes into the parent register's untouched bytes.
func (c *CPU) WriteRegister(r x86asm.Reg, v shadow.Value32) {
	if slot, ok := regSlots[r]; ok {
		parent := c.gpr[slot.index]
		switch {
		case slot.width == 4:
			c.gpr[slot.index] = v
		case slot.width == 2:
			c.gpr[slot.index] = shadow.Value32{
				Value:  parent.Value&0xFFFF0000 | uint32(uint16(v.Value)),
				Shadow: parent.Shadow&0xFFFF0000 | uint32(uint16(v.Shadow)),
			}
		case slot.high:
			c.gpr[slot.index] = shadow.Value32{
				Value:  parent.Value&0xFFFF00FF | uint32(uint8(v.Value))<<8,
				Shadow: parent.Shadow&0xFFFF00FF | uint32(uint8(v.Shadow))<<8,
			}
		default:
			c.gpr[slot.index] = shadow.Value32{
				Value:  parent.Value&0xFFFFFF00 | uint32(uint8(v.Value)),
				Shadow: parent.Shadow&0xFFFFFF00 | uint32(uint8(v.Shadow)),
			}
		}
		return
	}
	if idx, ok := segSlots[r]; ok {
		c.segment[idx] = v.Low16()
		return
	}
	c.machine.OnUnimplemented(c, x86asm.Inst{Op: x86asm.MOV, Args: x86asm.Args{r}})
}

// regWidth returns the access width of a decoder register name in bytes.
func regWidth(r x86asm.Reg) int {
	if slot, ok := regSlots[r]; ok {
		return slot.width
	}
	if _, ok := segSlots[r]; ok {
		return 2
	}
	return 4
}
