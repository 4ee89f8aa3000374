package sys

import (
	"encoding/binary"
	"testing"
)

func TestFunctionNames(t *testing.T) {
	tests := []struct {
		f    Function
		want string
	}{
		{SCExit, "exit"},
		{SCWrite, "write"},
		{SCShbufSetVolatile, "shbuf_set_volatile"},
		{SCUnveil, "unveil"},
		{Function(9999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", uint32(tt.f), got, tt.want)
		}
	}

	if Function(9999).Known() {
		t.Error("out-of-range function reported known")
	}
	if !SCPledge.Known() {
		t.Error("pledge reported unknown")
	}
}

func TestDecodeMmapParams(t *testing.T) {
	buf := make([]byte, MmapParamsSize)
	values := []uint32{
		0,          // addr
		8192,       // size
		0x1000,     // alignment
		3,          // prot
		0x20,       // flags
		0xFFFFFFFF, // fd = -1
		0,          // offset
		0x1234,     // name ptr
		5,          // name length
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}

	p := DecodeMmapParams(buf)
	if p.Size != 8192 || p.Alignment != 0x1000 || p.Prot != 3 || p.Flags != 0x20 {
		t.Errorf("decoded = %+v", p)
	}
	if p.Fd != -1 {
		t.Errorf("fd = %d, want -1", p.Fd)
	}
	if p.Name.Characters != 0x1234 || p.Name.Length != 5 {
		t.Errorf("name = %+v", p.Name)
	}
}

func TestDecodeRecvFromParams(t *testing.T) {
	buf := make([]byte, RecvFromParamsSize)
	binary.LittleEndian.PutUint32(buf[0:], 7)       // sockfd
	binary.LittleEndian.PutUint32(buf[4:], 0x2000)  // buffer ptr
	binary.LittleEndian.PutUint32(buf[8:], 128)     // buffer size
	binary.LittleEndian.PutUint32(buf[12:], 0)      // flags
	binary.LittleEndian.PutUint32(buf[16:], 0x3000) // addr
	binary.LittleEndian.PutUint32(buf[20:], 0x3010) // addr_length pointer

	p := DecodeRecvFromParams(buf)
	if p.Sockfd != 7 || p.Buffer.Characters != 0x2000 || p.Buffer.Length != 128 {
		t.Errorf("decoded = %+v", p)
	}
	// The address length travels as a pointer; handlers must read through
	// it, not reinterpret the pointer value as the length.
	if p.AddrLength != 0x3010 {
		t.Errorf("addr_length pointer = %#x", p.AddrLength)
	}
}
