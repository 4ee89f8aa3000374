package mmu

// ShbufBacking is the host-side object behind a shared buffer region. The
// emulator's shbuf registry implements it; permission calls return 0 or a
// negative errno exactly like the real kernel interface.
type ShbufBacking interface {
	AllowPid(pid int32) int32
	AllowAll() int32
	Seal() int32
	SetVolatile(volatile bool) int32
	Release() int32
}

// SharedBufferRegion maps a shared buffer into the guest. The region's data
// aliases the host buffer, so writes are visible to every mapping of the
// same shbuf id.
type SharedBufferRegion struct {
	regionHeader

	shbufID int32
	backing ShbufBacking
}

// NewSharedBufferRegion maps hostData at base under the given shbuf id.
// Shared bytes arrive from outside the guest and are treated as defined.
func NewSharedBufferRegion(base, size uint32, shbufID int32, hostData []byte, backing ShbufBacking) *SharedBufferRegion {
	r := &SharedBufferRegion{
		regionHeader: newRegionHeader(base, size),
		shbufID:      shbufID,
		backing:      backing,
	}
	r.data = hostData
	r.shadow = make([]byte, size)
	r.name = "shbuf"
	return r
}

// ShbufID returns the buffer's identity in the shbuf namespace.
func (r *SharedBufferRegion) ShbufID() int32 { return r.shbufID }

// AllowPid grants another process access to the buffer.
func (r *SharedBufferRegion) AllowPid(pid int32) int32 { return r.backing.AllowPid(pid) }

// AllowAll makes the buffer world-accessible.
func (r *SharedBufferRegion) AllowAll() int32 { return r.backing.AllowAll() }

// Seal freezes the buffer's permission list.
func (r *SharedBufferRegion) Seal() int32 { return r.backing.Seal() }

// SetVolatile marks the buffer's pages discardable.
func (r *SharedBufferRegion) SetVolatile(volatile bool) int32 { return r.backing.SetVolatile(volatile) }

// Release drops this mapping's reference. The caller removes the region
// from the MMU afterwards.
func (r *SharedBufferRegion) Release() int32 { return r.backing.Release() }

var _ Region = (*SharedBufferRegion)(nil)
var _ Region = (*SimpleRegion)(nil)
var _ Region = (*MmapRegion)(nil)
