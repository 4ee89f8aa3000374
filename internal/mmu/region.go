// Package mmu implements the software MMU: typed guest-memory regions with
// byte-granular shadow state, address routing, and host<->guest copies.
package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/potto/internal/shadow"
)

// PageSize is the guest page size. Region bases and sizes are multiples of it.
const PageSize = 0x1000

// Flat-segment selectors used by guest code.
const (
	SelData uint8 = 0x20 // ordinary data and code accesses
	SelTLS  uint8 = 0x28 // thread-local storage pointer region
)

// Address is a segmented guest virtual address.
type Address struct {
	Selector uint8
	Offset   uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%#02x:%#08x", a.Selector, a.Offset)
}

// FaultKind classifies guest memory faults.
type FaultKind int

const (
	FaultUnmapped FaultKind = iota
	FaultNotReadable
	FaultNotWritable
	FaultTextWrite
	FaultOutOfBounds
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "access to unmapped memory"
	case FaultNotReadable:
		return "read from non-readable region"
	case FaultNotWritable:
		return "write to non-writable region"
	case FaultTextWrite:
		return "write to text region"
	case FaultOutOfBounds:
		return "access past end of region"
	}
	return "memory fault"
}

// Fault describes a guest memory fault. All faults are fatal to the guest.
type Fault struct {
	Kind FaultKind
	Addr Address
	Size uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at %v (%d bytes)", f.Kind, f.Addr, f.Size)
}

// Region is a contiguous mapped range of guest virtual memory. Every region
// is owned exclusively by one MMU.
type Region interface {
	Base() uint32
	Size() uint32
	End() uint32
	Contains(addr uint32) bool
	ContainsRange(addr, size uint32) bool
	Name() string
	SetName(name string)

	Data() []byte
	ShadowData() []byte

	Read8(offset uint32) shadow.Value8
	Read16(offset uint32) shadow.Value16
	Read32(offset uint32) shadow.Value32
	Write8(offset uint32, v shadow.Value8)
	Write16(offset uint32, v shadow.Value16)
	Write32(offset uint32, v shadow.Value32)

	IsReadable() bool
	IsWritable() bool
	IsExecutable() bool
	IsText() bool
	IsStack() bool
}

// regionHeader carries the state common to all region variants.
type regionHeader struct {
	base   uint32
	size   uint32
	data   []byte
	shadow []byte
	name   string

	readable   bool
	writable   bool
	executable bool
	text       bool
	stack      bool
}

func newRegionHeader(base, size uint32) regionHeader {
	if base%PageSize != 0 || size%PageSize != 0 {
		panic(fmt.Sprintf("region %#x+%#x not page aligned", base, size))
	}
	h := regionHeader{
		base:     base,
		size:     size,
		data:     make([]byte, size),
		shadow:   make([]byte, size),
		readable: true,
		writable: true,
	}
	// Fresh memory starts out undefined.
	for i := range h.shadow {
		h.shadow[i] = shadow.PoisonByte
	}
	return h
}

func (h *regionHeader) Base() uint32          { return h.base }
func (h *regionHeader) Size() uint32          { return h.size }
func (h *regionHeader) End() uint32           { return h.base + h.size }
func (h *regionHeader) Data() []byte          { return h.data }
func (h *regionHeader) ShadowData() []byte    { return h.shadow }
func (h *regionHeader) Name() string          { return h.name }
func (h *regionHeader) SetName(name string)   { h.name = name }
func (h *regionHeader) IsReadable() bool      { return h.readable }
func (h *regionHeader) IsWritable() bool      { return h.writable && !h.text }
func (h *regionHeader) IsExecutable() bool    { return h.executable }
func (h *regionHeader) IsText() bool          { return h.text }
func (h *regionHeader) IsStack() bool         { return h.stack }
func (h *regionHeader) SetStack(stack bool)   { h.stack = stack }
func (h *regionHeader) SetText(text bool)     { h.text = text }
func (h *regionHeader) SetExecutable(x bool)  { h.executable = x }

func (h *regionHeader) Contains(addr uint32) bool {
	return addr >= h.base && addr < h.base+h.size
}

func (h *regionHeader) ContainsRange(addr, size uint32) bool {
	return addr >= h.base && addr+size <= h.base+h.size && addr+size >= addr
}

// Region-level reads and writes take offsets already validated by the MMU;
// an access past the region end is a caller bug, not a guest fault.

func (h *regionHeader) Read8(offset uint32) shadow.Value8 {
	return shadow.Value8{Value: h.data[offset], Shadow: h.shadow[offset]}
}

func (h *regionHeader) Read16(offset uint32) shadow.Value16 {
	return shadow.Value16{
		Value:  binary.LittleEndian.Uint16(h.data[offset:]),
		Shadow: binary.LittleEndian.Uint16(h.shadow[offset:]),
	}
}

func (h *regionHeader) Read32(offset uint32) shadow.Value32 {
	return shadow.Value32{
		Value:  binary.LittleEndian.Uint32(h.data[offset:]),
		Shadow: binary.LittleEndian.Uint32(h.shadow[offset:]),
	}
}

func (h *regionHeader) Write8(offset uint32, v shadow.Value8) {
	h.data[offset] = v.Value
	h.shadow[offset] = v.Shadow
}

func (h *regionHeader) Write16(offset uint32, v shadow.Value16) {
	binary.LittleEndian.PutUint16(h.data[offset:], v.Value)
	binary.LittleEndian.PutUint16(h.shadow[offset:], v.Shadow)
}

func (h *regionHeader) Write32(offset uint32, v shadow.Value32) {
	binary.LittleEndian.PutUint32(h.data[offset:], v.Value)
	binary.LittleEndian.PutUint32(h.shadow[offset:], v.Shadow)
}

// MarkInitialized clears the poison on size bytes starting at offset.
func (h *regionHeader) MarkInitialized(offset, size uint32) {
	for i := offset; i < offset+size; i++ {
		h.shadow[i] = 0
	}
}

// MarkUninitialized poisons size bytes starting at offset.
func (h *regionHeader) MarkUninitialized(offset, size uint32) {
	for i := offset; i < offset+size; i++ {
		h.shadow[i] = shadow.PoisonByte
	}
}

// SimpleRegion is plain backing memory: PT_LOAD segments, the TLS control
// block, and the stack.
type SimpleRegion struct {
	regionHeader
}

// NewSimpleRegion creates a page-aligned region of fresh (poisoned) memory.
func NewSimpleRegion(base, size uint32) *SimpleRegion {
	return &SimpleRegion{regionHeader: newRegionHeader(base, size)}
}

// NewTLSRegion creates the small selector-addressed region holding the
// thread pointer. It lives at offset 0 of the TLS selector and is the one
// region exempt from page alignment.
func NewTLSRegion(size uint32) *SimpleRegion {
	h := regionHeader{
		base:     0,
		size:     size,
		data:     make([]byte, size),
		shadow:   make([]byte, size),
		readable: true,
		writable: true,
		name:     "tls",
	}
	for i := range h.shadow {
		h.shadow[i] = shadow.PoisonByte
	}
	return &SimpleRegion{regionHeader: h}
}
