package emulator

import (
	"fmt"
	"sort"

	"github.com/zboralski/potto/internal/softcpu"
)

// BlockState is a heap block's lifecycle state.
type BlockState int

// Heap block states.
const (
	BlockLive BlockState = iota
	BlockFreed
)

// HeapBlock is one tracked guest allocation. Freed blocks stay in the
// table until their address is handed out again, so late touches can be
// attributed to the original allocation.
type HeapBlock struct {
	Address        uint32
	Size           uint32
	State          BlockState
	AllocBacktrace []uint32
	FreeBacktrace  []uint32
}

// MallocTracer watches the guest allocator by EIP window: it never patches
// the guest, it just observes the instruction stream entering malloc and
// free and reads arguments off the stack.
type MallocTracer struct {
	emu    *Emulator
	blocks map[uint32]*HeapBlock

	// A malloc call in flight: we know the requested size and the return
	// site, and capture EAX when execution gets back there.
	pendingSize   uint32
	pendingReturn uint32
	pendingActive bool
}

// NewMallocTracer creates a tracer bound to an emulator.
func NewMallocTracer(emu *Emulator) *MallocTracer {
	return &MallocTracer{
		emu:    emu,
		blocks: make(map[uint32]*HeapBlock),
	}
}

// OnInstructionBoundary is called before every instruction executes, with
// the address about to be fetched.
func (t *MallocTracer) OnInstructionBoundary(eip uint32) {
	if t.pendingActive && eip == t.pendingReturn {
		t.pendingActive = false
		t.mallocReturned(t.emu.Cpu().EAX().Value, t.pendingSize)
	}

	switch {
	case eip == t.emu.mallocStart && t.emu.mallocStart != 0:
		t.mallocEntered()
	case eip == t.emu.freeStart && t.emu.freeStart != 0:
		t.freeEntered()
	}
}

// mallocEntered records the requested size and arms the return-site watch.
// At function entry ESP points at the return address and ESP+4 at the size
// argument.
func (t *MallocTracer) mallocEntered() {
	cpu := t.emu.Cpu()
	esp := cpu.ESP().Value
	ret, err1 := t.emu.Mmu().Read32(softcpu.StackAddress(esp))
	size, err2 := t.emu.Mmu().Read32(softcpu.StackAddress(esp + 4))
	if err1 != nil || err2 != nil {
		return
	}
	t.pendingReturn = ret.Value
	t.pendingSize = size.Value
	t.pendingActive = true
}

// mallocReturned registers the new Live block. Reusing a freed address
// destroys the old record.
func (t *MallocTracer) mallocReturned(address, size uint32) {
	if address == 0 {
		return
	}
	t.blocks[address] = &HeapBlock{
		Address:        address,
		Size:           size,
		State:          BlockLive,
		AllocBacktrace: t.emu.RawBacktrace(),
	}
	// Fresh heap memory is undefined regardless of what the allocator's
	// internal bookkeeping left in those bytes.
	t.emu.Mmu().MarkUninitialized(address, size)
}

// freeEntered transitions the pointed-to block to Freed and poisons it.
func (t *MallocTracer) freeEntered() {
	cpu := t.emu.Cpu()
	esp := cpu.ESP().Value
	ptr, err := t.emu.Mmu().Read32(softcpu.StackAddress(esp + 4))
	if err != nil {
		return
	}
	address := ptr.Value
	if address == 0 {
		return // free(NULL) is a no-op
	}

	block, ok := t.blocks[address]
	if !ok {
		t.emu.Reporter().Blank()
		t.emu.Reporter().Diagnostic("Invalid free() of unknown address %#08x", address)
		t.emu.DumpBacktrace()
		return
	}
	if block.State == BlockFreed {
		t.emu.Reporter().Blank()
		t.emu.Reporter().Diagnostic("Double free() of %d-byte block at %#08x", block.Size, address)
		t.reportBlockHistory(block)
		return
	}

	block.State = BlockFreed
	block.FreeBacktrace = t.emu.RawBacktrace()
	t.emu.Mmu().MarkUninitialized(block.Address, block.Size)
}

// AuditRead flags reads that land inside a freed block.
func (t *MallocTracer) AuditRead(addr, size uint32) {
	t.audit(addr, size, "read")
}

// AuditWrite flags writes that land inside a freed block.
func (t *MallocTracer) AuditWrite(addr, size uint32) {
	t.audit(addr, size, "write")
}

func (t *MallocTracer) audit(addr, size uint32, access string) {
	if t.emu.IsInMallocOrFree() {
		// The allocator touches its own freed memory; that is its business.
		return
	}
	block := t.findFreed(addr, size)
	if block == nil {
		return
	}
	t.emu.Reporter().Blank()
	t.emu.Reporter().Diagnostic("Use-after-free: %d-byte %s at %#08x inside freed %d-byte block (%#08x)",
		size, access, addr, block.Size, block.Address)
	t.emu.DumpBacktrace()
	t.reportBlockHistory(block)
}

func (t *MallocTracer) findFreed(addr, size uint32) *HeapBlock {
	for _, block := range t.blocks {
		if block.State != BlockFreed {
			continue
		}
		if addr < block.Address+block.Size && block.Address < addr+size {
			return block
		}
	}
	return nil
}

func (t *MallocTracer) reportBlockHistory(block *HeapBlock) {
	t.emu.Reporter().Line("Block was allocated at:")
	t.emu.dumpBacktrace(block.AllocBacktrace)
	if block.FreeBacktrace != nil {
		t.emu.Reporter().Line("Block was freed at:")
		t.emu.dumpBacktrace(block.FreeBacktrace)
	}
}

// Block returns the tracked block at an exact address, if any.
func (t *MallocTracer) Block(address uint32) (*HeapBlock, bool) {
	block, ok := t.blocks[address]
	return block, ok
}

// DumpLeakReport prints every block still Live at shutdown, grouped by
// allocation site.
func (t *MallocTracer) DumpLeakReport() {
	type group struct {
		key       string
		backtrace []uint32
		bytes     uint32
		count     int
	}
	groups := make(map[string]*group)

	for _, block := range t.blocks {
		if block.State != BlockLive {
			continue
		}
		key := backtraceKey(block.AllocBacktrace)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, backtrace: block.AllocBacktrace}
			groups[key] = g
		}
		g.bytes += block.Size
		g.count++
	}

	if len(groups) == 0 {
		return
	}

	sorted := make([]*group, 0, len(groups))
	for _, g := range groups {
		sorted = append(sorted, g)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].bytes > sorted[j].bytes })

	limit := t.emu.cfg.LeakReportLimit
	if limit == 0 || limit > len(sorted) {
		limit = len(sorted)
	}

	t.emu.Reporter().Blank()
	for _, g := range sorted[:limit] {
		t.emu.Reporter().Diagnostic("Leak: %d bytes in %d block(s), allocated at:", g.bytes, g.count)
		t.emu.dumpBacktrace(g.backtrace)
	}
}

func backtraceKey(backtrace []uint32) string {
	key := ""
	for _, addr := range backtrace {
		key += fmt.Sprintf("%x;", addr)
	}
	return key
}
