package emulator

import (
	"sort"

	"github.com/zboralski/potto/internal/mmu"
)

// vmAllocator hands out guest-virtual ranges for mmap and shared buffers.
// It keeps a sorted free list over a fixed arena and reuses released
// ranges, so long-running guests don't leak address space the way a
// monotonic bump pointer would.
type vmAllocator struct {
	free []vmRange // sorted by base, non-adjacent
}

type vmRange struct {
	base uint32
	size uint32
}

// The mmap arena. Stays clear of the ELF load area below and the stack.
const (
	vmArenaBase = 0x30000000
	vmArenaSize = 0x40000000
)

func newVMAllocator() *vmAllocator {
	return &vmAllocator{
		free: []vmRange{{base: vmArenaBase, size: vmArenaSize}},
	}
}

// allocate reserves size bytes at the requested alignment, first fit.
// Returns 0 when the arena is exhausted. Size and alignment are rounded to
// pages.
func (a *vmAllocator) allocate(size, alignment uint32) uint32 {
	size = (size + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
	if alignment < mmu.PageSize {
		alignment = mmu.PageSize
	}

	for i, r := range a.free {
		aligned := (r.base + alignment - 1) &^ (alignment - 1)
		pad := aligned - r.base
		if r.size < pad+size {
			continue
		}

		// Carve [aligned, aligned+size) out of r.
		var remains []vmRange
		if pad > 0 {
			remains = append(remains, vmRange{base: r.base, size: pad})
		}
		if tail := r.size - pad - size; tail > 0 {
			remains = append(remains, vmRange{base: aligned + size, size: tail})
		}
		a.free = append(a.free[:i], append(remains, a.free[i+1:]...)...)
		return aligned
	}
	return 0
}

// release returns a range to the free list, coalescing neighbours.
func (a *vmAllocator) release(base, size uint32) {
	size = (size + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
	if base < vmArenaBase || base+size > vmArenaBase+vmArenaSize {
		return // not ours (ELF segments, stack)
	}

	a.free = append(a.free, vmRange{base: base, size: size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].base < a.free[j].base })

	merged := a.free[:1]
	for _, r := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.base+last.size == r.base {
			last.size += r.size
		} else {
			merged = append(merged, r)
		}
	}
	a.free = merged
}
