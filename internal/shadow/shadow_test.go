package shadow

import "testing"

func TestTaintCombinesShadows(t *testing.T) {
	tests := []struct {
		name string
		a, b Value32
		want uint32
	}{
		{"both clean", Initialized32(1), Initialized32(2), 0},
		{"left poisoned", Uninitialized32(1), Initialized32(2), Poison32},
		{"right poisoned", Initialized32(1), Uninitialized32(2), Poison32},
		{"partial poison stays byte-exact", Value32{Value: 1, Shadow: 0x00000100}, Initialized32(2), 0x00000100},
		{"disjoint lanes union", Value32{Value: 1, Shadow: 0x01000000}, Value32{Value: 2, Shadow: 0x00000001}, 0x01000001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Taint32(tt.a.Value+tt.b.Value, tt.a, tt.b)
			if got.Shadow != tt.want {
				t.Errorf("shadow = %#x, want %#x", got.Shadow, tt.want)
			}
			if got.Value != tt.a.Value+tt.b.Value {
				t.Errorf("value = %d, want %d", got.Value, tt.a.Value+tt.b.Value)
			}
		})
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	v := Value32{Value: 0x11223344, Shadow: 0x00010001}
	back := JoinBytes(SplitBytes(v))
	if back != v {
		t.Errorf("round trip = %+v, want %+v", back, v)
	}

	bytes := SplitBytes(v)
	if bytes[0].Shadow != PoisonByte || bytes[1].Shadow != 0 {
		t.Errorf("byte shadows wrong: %+v", bytes)
	}
	if bytes[3].Value != 0x11 || bytes[0].Value != 0x44 {
		t.Errorf("byte order wrong: %+v", bytes)
	}
}

func TestSplitJoinWords(t *testing.T) {
	v := Value32{Value: 0xAABBCCDD, Shadow: 0x01010000}
	words := SplitWords(v)
	if words[0].Value != 0xCCDD || words[0].Shadow != 0 {
		t.Errorf("low word = %+v", words[0])
	}
	if words[1].Value != 0xAABB || !words[1].IsUninitialized() {
		t.Errorf("high word = %+v", words[1])
	}
	if JoinWords(words[0], words[1]) != v {
		t.Errorf("word round trip failed")
	}
}

func TestSignExtendSpreadsTaint(t *testing.T) {
	clean := Initialized8(0x80).SignExtend()
	if clean.Value != 0xFFFFFF80 || clean.Shadow != 0 {
		t.Errorf("clean sign extend = %+v", clean)
	}

	dirty := Uninitialized8(0x80).SignExtend()
	if dirty.Shadow != Poison32 {
		t.Errorf("dirty sign extend shadow = %#x, want %#x", dirty.Shadow, Poison32)
	}
}

func TestZeroExtendKeepsNewBytesClean(t *testing.T) {
	v := Uninitialized8(0xFF).ZeroExtend()
	if v.Value != 0xFF {
		t.Errorf("value = %#x", v.Value)
	}
	if v.Shadow != uint32(Poison8) {
		t.Errorf("shadow = %#x, want only low byte poisoned", v.Shadow)
	}
	if v.IsFullyInitialized() {
		t.Error("low byte should still be poisoned")
	}
}

func TestPredicates(t *testing.T) {
	if Uninitialized16(7).IsFullyInitialized() {
		t.Error("uninitialised value reported fully initialised")
	}
	if Initialized16(7).IsUninitialized() {
		t.Error("initialised value reported uninitialised")
	}
	half := Value16{Value: 7, Shadow: 0x0100}
	if !half.IsUninitialized() || half.IsFullyInitialized() {
		t.Error("half-poisoned word misclassified")
	}
}
