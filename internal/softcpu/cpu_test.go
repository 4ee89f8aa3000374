package softcpu

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/potto/internal/mmu"
	"github.com/zboralski/potto/internal/shadow"
)

const (
	testTextBase  = 0x08048000
	testStackBase = 0x10000000
	testStackSize = 0x10000
)

type testMachine struct {
	mem      *mmu.MMU
	diags    []string
	syscalls int
}

func (m *testMachine) Mmu() *mmu.MMU     { return m.mem }
func (m *testMachine) Syscall(c *CPU)    { m.syscalls++ }
func (m *testMachine) AuditRead(a, s uint32)  {}
func (m *testMachine) AuditWrite(a, s uint32) {}

func (m *testMachine) ReportUninitializedValueUse(c *CPU, what string) {
	m.diags = append(m.diags, what)
}

func (m *testMachine) MemoryFault(c *CPU, err error) {
	panic(err)
}

func (m *testMachine) OnUnimplemented(c *CPU, inst x86asm.Inst) {
	panic("unimplemented: " + inst.String())
}

// newTestCPU loads code into a text region and points EIP at it, with a
// fresh stack below.
func newTestCPU(t *testing.T, code []byte) (*CPU, *testMachine) {
	t.Helper()

	m := &testMachine{mem: mmu.New()}

	text := mmu.NewSimpleRegion(testTextBase, 0x1000)
	copy(text.Data(), code)
	text.MarkInitialized(0, uint32(len(code)))
	text.SetText(true)
	if err := m.mem.AddRegion(text); err != nil {
		t.Fatal(err)
	}

	stack := mmu.NewSimpleRegion(testStackBase, testStackSize)
	stack.SetStack(true)
	if err := m.mem.AddRegion(stack); err != nil {
		t.Fatal(err)
	}

	c := New(m)
	c.SetEIP(testTextBase)
	c.SetESP(shadow.Initialized32(testStackBase + testStackSize))
	return c, m
}

func run(t *testing.T, c *CPU, steps int) {
	t.Helper()
	for i := 0; i < steps; i++ {
		if _, err := c.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestMovAddImmediates(t *testing.T) {
	code := []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0xb9, 0x03, 0x00, 0x00, 0x00, // mov ecx, 3
		0x01, 0xc8, // add eax, ecx
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 3)

	if got := c.EAX(); got.Value != 8 || got.IsUninitialized() {
		t.Errorf("eax = %+v, want initialised 8", got)
	}
	if c.getFlag(FlagZF) || c.getFlag(FlagSF) || c.getFlag(FlagCF) {
		t.Errorf("flags = %#x after 5+3", c.Eflags())
	}
	if c.FlagsTainted(flagsArithMask) {
		t.Error("flags tainted after defined arithmetic")
	}
}

func TestAddPropagatesTaint(t *testing.T) {
	code := []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x01, 0xc8, // add eax, ecx  (ecx never written)
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 2)

	if got := c.EAX(); !got.IsUninitialized() {
		t.Error("eax clean after adding a poisoned register")
	}
	if !c.FlagsTainted(FlagZF) {
		t.Error("flags not tainted after poisoned arithmetic")
	}
}

func TestLogicShadowIsByteExact(t *testing.T) {
	code := []byte{
		0xb8, 0xff, 0x00, 0x00, 0x00, // mov eax, 0xff
		0x21, 0xc8, // and eax, ecx
	}
	c, _ := newTestCPU(t, code)
	// Only ECX's low byte is poisoned.
	c.SetReg(RegECX, shadow.Value32{Value: 0x12345678, Shadow: 0x00000001})
	run(t, c, 2)

	got := c.EAX()
	if got.Shadow != 0x00000001 {
		t.Errorf("eax shadow = %#08x, want only the low byte poisoned", got.Shadow)
	}
	if got.Value != 0x78 {
		t.Errorf("eax = %#x, want 0x78", got.Value)
	}
}

func TestShiftByPoisonedCountPoisonsResult(t *testing.T) {
	code := []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xd3, 0xe0, // shl eax, cl  (cl never written)
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 2)

	if got := c.EAX(); got.Shadow != shadow.Poison32 {
		t.Errorf("eax shadow = %#08x, want fully poisoned", got.Shadow)
	}
}

func TestXorZeroIdiomDefines(t *testing.T) {
	code := []byte{0x31, 0xc0} // xor eax, eax
	c, _ := newTestCPU(t, code)
	run(t, c, 1)

	if got := c.EAX(); got.Value != 0 || got.IsUninitialized() {
		t.Errorf("eax = %+v, want defined 0", got)
	}
	if c.FlagsTainted(FlagZF) {
		t.Error("flags tainted after zero idiom")
	}
}

func TestSubRegisterAliasing(t *testing.T) {
	code := []byte{
		0xb8, 0x44, 0x33, 0x22, 0x11, // mov eax, 0x11223344
		0xb4, 0xaa, // mov ah, 0xaa
		0xb0, 0xbb, // mov al, 0xbb
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 3)

	if got := c.EAX().Value; got != 0x1122AABB {
		t.Errorf("eax = %#x, want 0x1122AABB", got)
	}

	if got := c.ReadRegister(x86asm.AH); got.Value != 0xAA {
		t.Errorf("ah = %#x", got.Value)
	}
	if got := c.ReadRegister(x86asm.AX); got.Value != 0xAABB {
		t.Errorf("ax = %#x", got.Value)
	}
}

func TestSubRegisterShadow(t *testing.T) {
	code := []byte{
		0xb0, 0x01, // mov al, 1 (rest of eax stays poisoned)
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 1)

	eax := c.EAX()
	if eax.Shadow != 0x01010100 {
		t.Errorf("eax shadow = %#08x, want upper three bytes poisoned", eax.Shadow)
	}
	if al := c.ReadRegister(x86asm.AL); al.IsUninitialized() {
		t.Error("al poisoned after being written")
	}
}

func TestPushPopESPDiscipline(t *testing.T) {
	code := []byte{
		0xb8, 0xef, 0xbe, 0xad, 0xde, // mov eax, 0xdeadbeef
		0x50, // push eax
		0x5b, // pop ebx
	}
	c, _ := newTestCPU(t, code)
	top := c.ESP().Value

	run(t, c, 2)
	if got := c.ESP().Value; got != top-4 {
		t.Errorf("esp after push = %#x, want %#x", got, top-4)
	}

	run(t, c, 1)
	if got := c.ESP().Value; got != top {
		t.Errorf("esp after pop = %#x, want %#x", got, top)
	}
	if got := c.Reg(RegEBX); got.Value != 0xdeadbeef || got.IsUninitialized() {
		t.Errorf("ebx = %+v", got)
	}
}

func TestConditionalJumpTaken(t *testing.T) {
	code := []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x85, 0xc0, // test eax, eax
		0x75, 0x05, // jne +5
		0xb9, 0xff, 0x00, 0x00, 0x00, // mov ecx, 0xff (skipped)
		0xbb, 0x2a, 0x00, 0x00, 0x00, // mov ebx, 42
	}
	c, m := newTestCPU(t, code)
	run(t, c, 4)

	if got := c.Reg(RegEBX).Value; got != 42 {
		t.Errorf("ebx = %d, want 42", got)
	}
	if got := c.Reg(RegECX); !got.IsUninitialized() {
		t.Error("ecx written; branch not taken")
	}
	if len(m.diags) != 0 {
		t.Errorf("diagnostics on defined branch: %v", m.diags)
	}
}

func TestBranchOnPoisonedFlagsReports(t *testing.T) {
	code := []byte{
		0x85, 0xc0, // test eax, eax (eax never initialised)
		0x74, 0x00, // je +0
	}
	c, m := newTestCPU(t, code)
	run(t, c, 2)

	if len(m.diags) != 1 || m.diags[0] != "conditional jump" {
		t.Errorf("diags = %v, want one conditional-jump report", m.diags)
	}
}

func TestPoisonedAddressReports(t *testing.T) {
	code := []byte{
		0xbb, 0x00, 0x00, 0x00, 0x10, // mov ebx, 0x10000000
		0x03, 0x04, 0x0b, // add eax, [ebx+ecx] (ecx poisoned)
	}
	c, m := newTestCPU(t, code)
	run(t, c, 2)

	found := false
	for _, d := range m.diags {
		if d == "address computation" {
			found = true
		}
	}
	if !found {
		t.Errorf("diags = %v, want address computation report", m.diags)
	}
}

func TestCallRet(t *testing.T) {
	code := []byte{
		0xe8, 0x05, 0x00, 0x00, 0x00, // call +5
		0xbb, 0x01, 0x00, 0x00, 0x00, // mov ebx, 1 (after return)
		0xb8, 0x2a, 0x00, 0x00, 0x00, // target: mov eax, 42
		0xc3, // ret
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 1)
	if got := c.EIP(); got != testTextBase+10 {
		t.Fatalf("eip after call = %#x, want %#x", got, testTextBase+10)
	}

	run(t, c, 2) // mov eax, 42; ret
	if got := c.EIP(); got != testTextBase+5 {
		t.Fatalf("eip after ret = %#x, want %#x", got, testTextBase+5)
	}

	run(t, c, 1)
	if got := c.Reg(RegEBX).Value; got != 1 {
		t.Errorf("ebx = %d", got)
	}
	if got := c.EAX().Value; got != 42 {
		t.Errorf("eax = %d", got)
	}
}

func TestMovzxMovsx(t *testing.T) {
	code := []byte{
		0xb3, 0x80, // mov bl, 0x80
		0x0f, 0xb6, 0xc3, // movzx eax, bl
		0x0f, 0xbe, 0xcb, // movsx ecx, bl
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 3)

	if got := c.EAX().Value; got != 0x80 {
		t.Errorf("movzx = %#x, want 0x80", got)
	}
	if got := c.Reg(RegECX).Value; got != 0xFFFFFF80 {
		t.Errorf("movsx = %#x, want 0xFFFFFF80", got)
	}
}

func TestRepMovsbCopiesDataAndShadow(t *testing.T) {
	code := []byte{
		0xf3, 0xa4, // rep movsb
	}
	c, m := newTestCPU(t, code)

	// Source: two defined bytes then two poisoned ones.
	if err := m.mem.CopyToVM(testStackBase+0x100, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	c.SetReg(RegESI, shadow.Initialized32(testStackBase+0x100))
	c.SetReg(RegEDI, shadow.Initialized32(testStackBase+0x200))
	c.SetReg(RegECX, shadow.Initialized32(4))
	run(t, c, 1)

	if got := c.Reg(RegECX).Value; got != 0 {
		t.Errorf("ecx = %d after rep", got)
	}
	v, err := m.mem.Read16(mmu.Address{Selector: mmu.SelData, Offset: testStackBase + 0x200})
	if err != nil {
		t.Fatal(err)
	}
	if v.Value != 0xBBAA || v.IsUninitialized() {
		t.Errorf("copied bytes = %+v", v)
	}
	if !m.mem.AnyUninitialized(testStackBase+0x202, 2) {
		t.Error("poison lost during copy")
	}
}

func TestStosStoresEAX(t *testing.T) {
	code := []byte{
		0xb8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678
		0xab, // stosd
	}
	c, m := newTestCPU(t, code)
	c.SetReg(RegEDI, shadow.Initialized32(testStackBase+0x300))
	run(t, c, 2)

	v, err := m.mem.Read32(mmu.Address{Selector: mmu.SelData, Offset: testStackBase + 0x300})
	if err != nil {
		t.Fatal(err)
	}
	if v.Value != 0x12345678 {
		t.Errorf("stored = %#x", v.Value)
	}
	if got := c.Reg(RegEDI).Value; got != testStackBase+0x304 {
		t.Errorf("edi = %#x", got)
	}
}

func TestIntRaisesSyscall(t *testing.T) {
	code := []byte{0xcd, 0x82} // int 0x82
	c, m := newTestCPU(t, code)
	run(t, c, 1)

	if m.syscalls != 1 {
		t.Errorf("syscalls = %d, want 1", m.syscalls)
	}
}

func TestShlFlags(t *testing.T) {
	code := []byte{
		0xb8, 0x01, 0x00, 0x00, 0x80, // mov eax, 0x80000001
		0xd1, 0xe0, // shl eax, 1
	}
	c, _ := newTestCPU(t, code)
	run(t, c, 2)

	if got := c.EAX().Value; got != 2 {
		t.Errorf("eax = %#x", got)
	}
	if !c.getFlag(FlagCF) {
		t.Error("CF clear after shifting out a set bit")
	}
}

func TestPushString(t *testing.T) {
	c, m := newTestCPU(t, []byte{0x90})
	c.PushString("hi")

	esp := c.ESP().Value
	if (testStackBase+testStackSize-esp)%16 != 0 {
		t.Errorf("string reservation not 16-byte aligned: esp=%#x", esp)
	}
	buf, err := m.mem.CopyBufferFromVM(esp, 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hi\x00" {
		t.Errorf("stack string = %q", buf)
	}
}

func TestLeaDoesNotReportPoisonedRegisters(t *testing.T) {
	code := []byte{
		0x8d, 0x44, 0x08, 0x02, // lea eax, [eax+ecx+2] (both poisoned)
	}
	c, m := newTestCPU(t, code)
	run(t, c, 1)

	if len(m.diags) != 0 {
		t.Errorf("lea reported diagnostics: %v", m.diags)
	}
	if got := c.EAX(); !got.IsUninitialized() {
		t.Error("lea of poisoned registers produced clean result")
	}
}
