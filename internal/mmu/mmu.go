package mmu

import (
	"fmt"
	"sort"

	"github.com/zboralski/potto/internal/shadow"
)

// MMU owns every region of the guest address space and routes segmented
// addresses to them. It is the sole mutator of region state; callers get
// transient region references and must not hold them across instruction
// boundaries.
type MMU struct {
	regions []Region // sorted by base
	tls     *SimpleRegion
}

// New creates an empty MMU.
func New() *MMU {
	return &MMU{}
}

// AddRegion inserts a region, enforcing the page-alignment and no-overlap
// invariants.
func (m *MMU) AddRegion(r Region) error {
	if r.Base()%PageSize != 0 || r.Size()%PageSize != 0 {
		return fmt.Errorf("region %#x+%#x not page aligned", r.Base(), r.Size())
	}
	if r.Base() == 0 {
		return fmt.Errorf("region may not map the zero page")
	}
	for _, existing := range m.regions {
		if r.Base() < existing.End() && existing.Base() < r.End() {
			return fmt.Errorf("region %#x+%#x overlaps %#x+%#x",
				r.Base(), r.Size(), existing.Base(), existing.Size())
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].Base() < m.regions[j].Base()
	})
	return nil
}

// RemoveRegion detaches a region from the address space.
func (m *MMU) RemoveRegion(r Region) {
	for i, existing := range m.regions {
		if existing == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return
		}
	}
}

// SetTLSRegion installs the small region resolved through the TLS selector.
func (m *MMU) SetTLSRegion(r *SimpleRegion) {
	m.tls = r
}

// FindRegion returns the region containing a flat data address, or nil.
func (m *MMU) FindRegion(addr uint32) Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End() > addr
	})
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i]
	}
	return nil
}

// Regions returns the current region list for diagnostics.
func (m *MMU) Regions() []Region {
	return m.regions
}

// ShbufRegion finds the mapping for a shared buffer id, or nil.
func (m *MMU) ShbufRegion(shbufID int32) *SharedBufferRegion {
	for _, r := range m.regions {
		if shbuf, ok := r.(*SharedBufferRegion); ok && shbuf.ShbufID() == shbufID {
			return shbuf
		}
	}
	return nil
}

// resolve maps an address to its region, checking the range fits and the
// required permission holds. want is "r", "w" or "x".
func (m *MMU) resolve(addr Address, size uint32, want byte) (Region, uint32, error) {
	if addr.Selector == SelTLS {
		if m.tls == nil || !m.tls.ContainsRange(addr.Offset, size) {
			return nil, 0, &Fault{Kind: FaultUnmapped, Addr: addr, Size: size}
		}
		return m.tls, addr.Offset, nil
	}

	r := m.FindRegion(addr.Offset)
	if r == nil {
		return nil, 0, &Fault{Kind: FaultUnmapped, Addr: addr, Size: size}
	}
	if !r.ContainsRange(addr.Offset, size) {
		// The access begins in r but runs past its end. Crossing into an
		// adjacent region is undefined; the caller splits by byte if it
		// wants that.
		return nil, 0, &Fault{Kind: FaultOutOfBounds, Addr: addr, Size: size}
	}
	switch want {
	case 'r':
		if !r.IsReadable() {
			return nil, 0, &Fault{Kind: FaultNotReadable, Addr: addr, Size: size}
		}
	case 'w':
		if r.IsText() {
			return nil, 0, &Fault{Kind: FaultTextWrite, Addr: addr, Size: size}
		}
		if !r.IsWritable() {
			return nil, 0, &Fault{Kind: FaultNotWritable, Addr: addr, Size: size}
		}
	}
	return r, addr.Offset - r.Base(), nil
}

// Read8 reads one guest byte with its shadow.
func (m *MMU) Read8(addr Address) (shadow.Value8, error) {
	r, off, err := m.resolve(addr, 1, 'r')
	if err != nil {
		return shadow.Value8{}, err
	}
	return r.Read8(off), nil
}

// Read16 reads a word, splitting per byte if it straddles a region end.
func (m *MMU) Read16(addr Address) (shadow.Value16, error) {
	r, off, err := m.resolve(addr, 2, 'r')
	if err == nil {
		return r.Read16(off), nil
	}
	if isStraddle(err) {
		lo, err := m.Read8(addr)
		if err != nil {
			return shadow.Value16{}, err
		}
		hi, err := m.Read8(Address{addr.Selector, addr.Offset + 1})
		if err != nil {
			return shadow.Value16{}, err
		}
		return shadow.Value16{
			Value:  uint16(lo.Value) | uint16(hi.Value)<<8,
			Shadow: uint16(lo.Shadow) | uint16(hi.Shadow)<<8,
		}, nil
	}
	return shadow.Value16{}, err
}

// Read32 reads a dword, splitting per byte if it straddles a region end.
func (m *MMU) Read32(addr Address) (shadow.Value32, error) {
	r, off, err := m.resolve(addr, 4, 'r')
	if err == nil {
		return r.Read32(off), nil
	}
	if isStraddle(err) {
		var bytes [4]shadow.Value8
		for i := uint32(0); i < 4; i++ {
			b, err := m.Read8(Address{addr.Selector, addr.Offset + i})
			if err != nil {
				return shadow.Value32{}, err
			}
			bytes[i] = b
		}
		return shadow.JoinBytes(bytes), nil
	}
	return shadow.Value32{}, err
}

// Write8 stores one guest byte with its shadow.
func (m *MMU) Write8(addr Address, v shadow.Value8) error {
	r, off, err := m.resolve(addr, 1, 'w')
	if err != nil {
		return err
	}
	r.Write8(off, v)
	return nil
}

// Write16 stores a word, splitting per byte across region ends.
func (m *MMU) Write16(addr Address, v shadow.Value16) error {
	r, off, err := m.resolve(addr, 2, 'w')
	if err == nil {
		r.Write16(off, v)
		return nil
	}
	if isStraddle(err) {
		if err := m.Write8(addr, shadow.Value8{Value: uint8(v.Value), Shadow: uint8(v.Shadow)}); err != nil {
			return err
		}
		return m.Write8(Address{addr.Selector, addr.Offset + 1},
			shadow.Value8{Value: uint8(v.Value >> 8), Shadow: uint8(v.Shadow >> 8)})
	}
	return err
}

// Write32 stores a dword, splitting per byte across region ends.
func (m *MMU) Write32(addr Address, v shadow.Value32) error {
	r, off, err := m.resolve(addr, 4, 'w')
	if err == nil {
		r.Write32(off, v)
		return nil
	}
	if isStraddle(err) {
		bytes := shadow.SplitBytes(v)
		for i := uint32(0); i < 4; i++ {
			if err := m.Write8(Address{addr.Selector, addr.Offset + i}, bytes[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return err
}

func isStraddle(err error) bool {
	f, ok := err.(*Fault)
	return ok && f.Kind == FaultOutOfBounds
}

// CopyToVM copies host bytes into the guest and marks them initialised.
// Bytes that arrive from the surrounding process are defined by definition.
func (m *MMU) CopyToVM(dst uint32, src []byte) error {
	for i, b := range src {
		if err := m.Write8(Address{SelData, dst + uint32(i)}, shadow.Initialized8(b)); err != nil {
			return err
		}
	}
	return nil
}

// CopyFromVM copies guest bytes out to a host buffer, ignoring shadow.
func (m *MMU) CopyFromVM(dst []byte, src uint32) error {
	for i := range dst {
		v, err := m.Read8(Address{SelData, src + uint32(i)})
		if err != nil {
			return err
		}
		dst[i] = v.Value
	}
	return nil
}

// CopyBufferFromVM reads size guest bytes into a fresh host buffer.
func (m *MMU) CopyBufferFromVM(src uint32, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if err := m.CopyFromVM(buf, src); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarkUninitialized poisons a flat address range. Used by the heap tracer
// when a block is freed.
func (m *MMU) MarkUninitialized(addr, size uint32) {
	for size > 0 {
		r := m.FindRegion(addr)
		if r == nil {
			return
		}
		off := addr - r.Base()
		n := r.Size() - off
		if n > size {
			n = size
		}
		if h, ok := r.(interface{ MarkUninitialized(offset, size uint32) }); ok {
			h.MarkUninitialized(off, n)
		}
		addr += n
		size -= n
	}
}

// AnyUninitialized reports whether any byte in the flat range is poisoned.
func (m *MMU) AnyUninitialized(addr, size uint32) bool {
	for i := uint32(0); i < size; i++ {
		v, err := m.Read8(Address{SelData, addr + i})
		if err != nil {
			return false
		}
		if v.IsUninitialized() {
			return true
		}
	}
	return false
}
