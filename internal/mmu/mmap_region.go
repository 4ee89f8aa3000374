package mmu

import (
	"golang.org/x/sys/unix"
)

// MmapRegion backs a guest mmap: anonymous scratch memory or a window onto a
// host file.
type MmapRegion struct {
	regionHeader

	anonymous  bool
	prot       int
	flags      int
	fd         int
	fileOffset int64
}

// NewAnonymousMmapRegion creates an anonymous mapping. Anonymous pages are
// zero-filled and defined, matching kernel semantics.
func NewAnonymousMmapRegion(base, size uint32, prot int) *MmapRegion {
	r := &MmapRegion{
		regionHeader: newRegionHeader(base, size),
		anonymous:    true,
		prot:         prot,
	}
	r.applyProt()
	r.MarkInitialized(0, size)
	r.name = "mmap: anonymous"
	return r
}

// NewFileBackedMmapRegion creates a file-backed mapping by reading the file
// contents through the host fd. Bytes that came from the file are defined.
func NewFileBackedMmapRegion(base, size uint32, prot, flags, fd int, offset int64) (*MmapRegion, error) {
	r := &MmapRegion{
		regionHeader: newRegionHeader(base, size),
		prot:         prot,
		flags:        flags,
		fd:           fd,
		fileOffset:   offset,
	}
	r.applyProt()
	n, err := unix.Pread(fd, r.data, offset)
	if err != nil {
		return nil, err
	}
	r.MarkInitialized(0, uint32(n))
	r.name = "mmap: file-backed"
	return r, nil
}

func (r *MmapRegion) applyProt() {
	r.readable = r.prot&unix.PROT_READ != 0
	r.writable = r.prot&unix.PROT_WRITE != 0
	r.executable = r.prot&unix.PROT_EXEC != 0
}

// IsAnonymous reports whether the mapping has no backing file.
func (r *MmapRegion) IsAnonymous() bool { return r.anonymous }

// Prot returns the guest-requested protection bits.
func (r *MmapRegion) Prot() int { return r.prot }

// SetProt updates the protection bits (mprotect).
func (r *MmapRegion) SetProt(prot int) {
	r.prot = prot
	r.applyProt()
}
