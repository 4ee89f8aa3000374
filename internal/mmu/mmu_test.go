package mmu

import (
	"bytes"
	"testing"

	"github.com/zboralski/potto/internal/shadow"
)

func TestAddRegionInvariants(t *testing.T) {
	m := New()

	if err := m.AddRegion(NewSimpleRegion(0x10000, 0x2000)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	tests := []struct {
		name string
		base uint32
		size uint32
	}{
		{"overlap head", 0x11000, 0x2000},
		{"overlap exact", 0x10000, 0x2000},
		{"overlap contained", 0x10000, 0x1000},
		{"zero page", 0, 0x1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.AddRegion(NewSimpleRegion(tt.base, tt.size)); err == nil {
				t.Errorf("AddRegion(%#x, %#x) succeeded, want error", tt.base, tt.size)
			}
		})
	}

	// Adjacent is fine.
	if err := m.AddRegion(NewSimpleRegion(0x12000, 0x1000)); err != nil {
		t.Errorf("adjacent region rejected: %v", err)
	}
}

func TestFindRegion(t *testing.T) {
	m := New()
	a := NewSimpleRegion(0x10000, 0x1000)
	b := NewSimpleRegion(0x30000, 0x2000)
	if err := m.AddRegion(b); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRegion(a); err != nil {
		t.Fatal(err)
	}

	if got := m.FindRegion(0x10000); got != a {
		t.Errorf("FindRegion(0x10000) = %v, want region a", got)
	}
	if got := m.FindRegion(0x10FFF); got != a {
		t.Errorf("FindRegion(0x10FFF) = %v, want region a", got)
	}
	if got := m.FindRegion(0x11000); got != nil {
		t.Errorf("FindRegion(0x11000) = %v, want nil", got)
	}
	if got := m.FindRegion(0x31234); got != b {
		t.Errorf("FindRegion(0x31234) = %v, want region b", got)
	}

	m.RemoveRegion(a)
	if got := m.FindRegion(0x10000); got != nil {
		t.Errorf("FindRegion after remove = %v, want nil", got)
	}
}

func TestReadWriteShadow(t *testing.T) {
	m := New()
	if err := m.AddRegion(NewSimpleRegion(0x10000, 0x1000)); err != nil {
		t.Fatal(err)
	}
	addr := Address{SelData, 0x10100}

	// Fresh memory is poisoned.
	v, err := m.Read32(addr)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if !v.IsUninitialized() {
		t.Error("fresh memory not poisoned")
	}

	if err := m.Write32(addr, shadow.Initialized32(0xDEADBEEF)); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	v, err = m.Read32(addr)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v.Value != 0xDEADBEEF || !v.IsFullyInitialized() {
		t.Errorf("Read32 = %+v, want initialised 0xDEADBEEF", v)
	}

	// A 16-bit read of the middle keeps byte shadows.
	w, err := m.Read16(Address{SelData, 0x10101})
	if err != nil {
		t.Fatalf("Read16: %v", err)
	}
	if w.Value != 0xADBE || !w.IsFullyInitialized() {
		t.Errorf("Read16 = %+v", w)
	}
}

func TestPartialShadowMixedWrite(t *testing.T) {
	m := New()
	if err := m.AddRegion(NewSimpleRegion(0x10000, 0x1000)); err != nil {
		t.Fatal(err)
	}

	// Initialise two of four bytes; the dword read must show exactly which
	// bytes are defined.
	if err := m.Write8(Address{SelData, 0x10200}, shadow.Initialized8(0x11)); err != nil {
		t.Fatal(err)
	}
	if err := m.Write8(Address{SelData, 0x10202}, shadow.Initialized8(0x33)); err != nil {
		t.Fatal(err)
	}

	v, err := m.Read32(Address{SelData, 0x10200})
	if err != nil {
		t.Fatal(err)
	}
	if v.Shadow != 0x01000100 {
		t.Errorf("shadow = %#08x, want 0x01000100", v.Shadow)
	}
}

func TestAccessFaults(t *testing.T) {
	m := New()
	text := NewSimpleRegion(0x8000000, 0x1000)
	text.SetText(true)
	if err := m.AddRegion(text); err != nil {
		t.Fatal(err)
	}

	// Unmapped.
	if _, err := m.Read8(Address{SelData, 0x500}); err == nil {
		t.Error("read of unmapped address succeeded")
	} else if f, ok := err.(*Fault); !ok || f.Kind != FaultUnmapped {
		t.Errorf("err = %v, want unmapped fault", err)
	}

	// Text write.
	err := m.Write8(Address{SelData, 0x8000000}, shadow.Initialized8(0x90))
	if f, ok := err.(*Fault); !ok || f.Kind != FaultTextWrite {
		t.Errorf("err = %v, want text-write fault", err)
	}
}

func TestStraddlingAccessSplitsPerByte(t *testing.T) {
	m := New()
	if err := m.AddRegion(NewSimpleRegion(0x10000, 0x1000)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRegion(NewSimpleRegion(0x11000, 0x1000)); err != nil {
		t.Fatal(err)
	}

	// Write a dword across the boundary of two adjacent regions.
	addr := Address{SelData, 0x10FFE}
	if err := m.Write32(addr, shadow.Initialized32(0x44332211)); err != nil {
		t.Fatalf("straddling Write32: %v", err)
	}
	v, err := m.Read32(addr)
	if err != nil {
		t.Fatalf("straddling Read32: %v", err)
	}
	if v.Value != 0x44332211 || !v.IsFullyInitialized() {
		t.Errorf("straddling read = %+v", v)
	}

	// Straddling into unmapped space faults.
	if _, err := m.Read32(Address{SelData, 0x11FFE}); err == nil {
		t.Error("read past mapped space succeeded")
	}
}

func TestCopyRoundTrip(t *testing.T) {
	m := New()
	if err := m.AddRegion(NewSimpleRegion(0x10000, PageSize)); err != nil {
		t.Fatal(err)
	}

	pattern := make([]byte, PageSize)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	if err := m.CopyToVM(0x10000, pattern); err != nil {
		t.Fatalf("CopyToVM: %v", err)
	}

	got, err := m.CopyBufferFromVM(0x10000, PageSize)
	if err != nil {
		t.Fatalf("CopyBufferFromVM: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Error("round trip mismatch")
	}

	// Host-provided bytes are defined.
	if m.AnyUninitialized(0x10000, PageSize) {
		t.Error("copied bytes still poisoned")
	}
}

func TestMarkUninitializedPoisons(t *testing.T) {
	m := New()
	if err := m.AddRegion(NewSimpleRegion(0x10000, 0x1000)); err != nil {
		t.Fatal(err)
	}
	if err := m.CopyToVM(0x10100, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}

	m.MarkUninitialized(0x10102, 4)

	if m.AnyUninitialized(0x10100, 2) || m.AnyUninitialized(0x10106, 2) {
		t.Error("bytes outside the poisoned window were touched")
	}
	if !m.AnyUninitialized(0x10102, 4) {
		t.Error("poisoned window reads as initialised")
	}
}

func TestTLSRegionRouting(t *testing.T) {
	m := New()
	tls := NewTLSRegion(4)
	tls.Write32(0, shadow.Initialized32(0x20001000))
	m.SetTLSRegion(tls)

	v, err := m.Read32(Address{SelTLS, 0})
	if err != nil {
		t.Fatalf("TLS read: %v", err)
	}
	if v.Value != 0x20001000 {
		t.Errorf("TLS pointer = %#x", v.Value)
	}

	if _, err := m.Read32(Address{SelTLS, 4}); err == nil {
		t.Error("out-of-range TLS read succeeded")
	}
}

func TestShbufRegionLookup(t *testing.T) {
	m := New()
	buf := make([]byte, PageSize)
	r := NewSharedBufferRegion(0x30000000, PageSize, 42, buf, nopBacking{})
	if err := m.AddRegion(r); err != nil {
		t.Fatal(err)
	}

	if got := m.ShbufRegion(42); got != r {
		t.Errorf("ShbufRegion(42) = %v", got)
	}
	if got := m.ShbufRegion(7); got != nil {
		t.Errorf("ShbufRegion(7) = %v, want nil", got)
	}

	// Writes land in the host buffer.
	if err := m.Write8(Address{SelData, 0x30000010}, shadow.Initialized8(0xAB)); err != nil {
		t.Fatal(err)
	}
	if buf[0x10] != 0xAB {
		t.Error("shbuf write did not reach host backing")
	}
}

type nopBacking struct{}

func (nopBacking) AllowPid(int32) int32   { return 0 }
func (nopBacking) AllowAll() int32        { return 0 }
func (nopBacking) Seal() int32            { return 0 }
func (nopBacking) SetVolatile(bool) int32 { return 0 }
func (nopBacking) Release() int32         { return 0 }
