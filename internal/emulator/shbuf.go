package emulator

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/zboralski/potto/internal/log"
	"github.com/zboralski/potto/internal/mmu"
)

// Shared buffers are serviced inside the emulator: a registry of host byte
// slices keyed by id, with the permission protocol (allow/seal/volatile)
// tracked per buffer. Mapping one into the guest produces a
// SharedBufferRegion whose data aliases the host slice, so every mapping
// of an id observes the same bytes.

type shbuf struct {
	id       int32
	data     []byte
	refs     int
	sealed   bool
	volatile bool
	allowAll bool
	allowed  map[int32]bool
}

type shbufRegistry struct {
	next    int32
	buffers map[int32]*shbuf
}

func newShbufRegistry() *shbufRegistry {
	return &shbufRegistry{next: 1, buffers: make(map[int32]*shbuf)}
}

func (r *shbufRegistry) create(size int32) *shbuf {
	b := &shbuf{
		id:      r.next,
		data:    make([]byte, size),
		refs:    1,
		allowed: make(map[int32]bool),
	}
	r.next++
	r.buffers[b.id] = b
	return b
}

func (r *shbufRegistry) get(id int32) *shbuf {
	return r.buffers[id]
}

// shbuf implements mmu.ShbufBacking.

func (b *shbuf) AllowPid(pid int32) int32 {
	if b.sealed {
		return -int32(unix.EPERM)
	}
	b.allowed[pid] = true
	return 0
}

func (b *shbuf) AllowAll() int32 {
	if b.sealed {
		return -int32(unix.EPERM)
	}
	b.allowAll = true
	return 0
}

func (b *shbuf) Seal() int32 {
	if b.sealed {
		return -int32(unix.EPERM)
	}
	b.sealed = true
	return 0
}

func (b *shbuf) SetVolatile(volatile bool) int32 {
	b.volatile = volatile
	return 0
}

func (b *shbuf) Release() int32 {
	b.refs--
	return 0
}

// virtShbufCreate allocates a buffer, maps it, and writes the mapped guest
// address through the out-pointer. Returns the shbuf id.
func (e *Emulator) virtShbufCreate(size int32, bufferOutAddr uint32) int32 {
	if size <= 0 {
		return -int32(unix.EINVAL)
	}
	rounded := (uint32(size) + mmu.PageSize - 1) &^ (mmu.PageSize - 1)

	buf := e.shbufs.create(int32(rounded))
	address := e.vmalloc.allocate(rounded, mmu.PageSize)
	if address == 0 {
		delete(e.shbufs.buffers, buf.id)
		return -int32(unix.ENOMEM)
	}

	region := mmu.NewSharedBufferRegion(address, rounded, buf.id, buf.data, buf)
	if err := e.mem.AddRegion(region); err != nil {
		e.vmalloc.release(address, rounded)
		delete(e.shbufs.buffers, buf.id)
		return -int32(unix.ENOMEM)
	}

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, address)
	if err := e.mem.CopyToVM(bufferOutAddr, out); err != nil {
		return -int32(unix.EFAULT)
	}
	if log.L != nil {
		log.L.Region("shbuf created", address, rounded, "shbuf")
	}
	return buf.id
}

// virtShbufGet maps an existing buffer and writes its size through the
// out-pointer. Returns the mapped guest address.
func (e *Emulator) virtShbufGet(shbufID int32, sizeOutAddr uint32) int32 {
	buf := e.shbufs.get(shbufID)
	if buf == nil {
		return -int32(unix.EINVAL)
	}
	size := uint32(len(buf.data))

	address := e.vmalloc.allocate(size, mmu.PageSize)
	if address == 0 {
		return -int32(unix.ENOMEM)
	}
	region := mmu.NewSharedBufferRegion(address, size, buf.id, buf.data, buf)
	if err := e.mem.AddRegion(region); err != nil {
		e.vmalloc.release(address, size)
		return -int32(unix.ENOMEM)
	}
	buf.refs++

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, size)
	if err := e.mem.CopyToVM(sizeOutAddr, out); err != nil {
		return -int32(unix.EFAULT)
	}
	return int32(address)
}

func (e *Emulator) virtShbufAllowPid(shbufID, peerPid int32) int32 {
	region := e.mem.ShbufRegion(shbufID)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	return region.AllowPid(peerPid)
}

func (e *Emulator) virtShbufAllowAll(shbufID int32) int32 {
	region := e.mem.ShbufRegion(shbufID)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	return region.AllowAll()
}

func (e *Emulator) virtShbufRelease(shbufID int32) int32 {
	region := e.mem.ShbufRegion(shbufID)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	rc := region.Release()
	e.mem.RemoveRegion(region)
	e.vmalloc.release(region.Base(), region.Size())

	if buf := e.shbufs.get(shbufID); buf != nil && buf.refs <= 0 {
		delete(e.shbufs.buffers, shbufID)
	}
	return rc
}

func (e *Emulator) virtShbufSeal(shbufID int32) int32 {
	region := e.mem.ShbufRegion(shbufID)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	return region.Seal()
}

func (e *Emulator) virtShbufSetVolatile(shbufID int32, volatile bool) int32 {
	region := e.mem.ShbufRegion(shbufID)
	if region == nil {
		return -int32(unix.EINVAL)
	}
	return region.SetVolatile(volatile)
}
