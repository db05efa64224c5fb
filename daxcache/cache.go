// Package daxcache implements the device-side DAX cache controller
// a fixed-size shared-memory window exposed to the guest,
// serviced by the four slave RPCs (MAP, UNMAP, SYNC, IO) the daemon
// issues over the backend.Client.
//
// The window itself is an anonymous, initially PROT_NONE mapping; MAP
// overlays MAP_SHARED|MAP_FIXED file mappings within it, mirroring
// deviceRegion.configure in vhostuser/deviceregion.go.
package daxcache

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
)

// Options configures a Cache at realize time.
type Options struct {
	// Size is the cache window size in bytes. Must be a power of two
	// and at least one page, or zero to disable DAX entirely.
	Size uint64

	Logger *log.Logger
}

// Cache owns a contiguous virtual-address range mapped into the guest
// as a shared-memory region, and the memory-region table needed to
// resolve guest physical addresses to host pointers for IO.
type Cache struct {
	size   uint64
	base   []byte // nil when disabled (size == 0)
	logger *log.Logger

	regions []GuestRegion
}

// GuestRegion is one guest-physical-address range backing IO address
// translation, populated by the session from ADD_MEM_REG front-channel
// messages.
type GuestRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	Host          []byte
	Writable      bool
}

func pow2(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// New realizes the cache window. At realize time,
// Size must be zero (DAX disabled) or a power of two >= page size.
func New(opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Cache{size: opts.Size, logger: logger}
	if opts.Size == 0 {
		return c, nil
	}
	page := uint64(unix.Getpagesize())
	if opts.Size < page || !pow2(opts.Size) {
		return nil, fmt.Errorf("daxcache: cache-size %d must be a power of two >= page size %d", opts.Size, page)
	}

	base, err := unix.Mmap(-1, 0, int(opts.Size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("daxcache: mmap window: %w", err)
	}
	c.base = base
	return c, nil
}

// Enabled reports whether DAX caching is active (cache-size != 0).
func (c *Cache) Enabled() bool { return c.size != 0 }

// Size returns the cache window size in bytes.
func (c *Cache) Size() uint64 { return c.size }

// Base returns the mapped window, for exposing as a guest-visible RAM
// region (PCI shared-memory capability id 0).
func (c *Cache) Base() []byte { return c.base }

// SetGuestRegions installs the table used to resolve guest physical
// addresses for IO: resolve each contiguous slice to a host
// pointer via the system memory region").
func (c *Cache) SetGuestRegions(regions []GuestRegion) {
	c.regions = regions
}

func (c *Cache) translate(gpa uint64, length uint64) (host []byte, writable bool, ok bool) {
	for _, r := range c.regions {
		if gpa < r.GuestPhysAddr || gpa >= r.GuestPhysAddr+r.Size {
			continue
		}
		off := gpa - r.GuestPhysAddr
		avail := r.Size - off
		if avail > length {
			avail = length
		}
		return r.Host[off : off+avail], r.Writable, true
	}
	return nil, false, false
}

// inBounds validates the [c_offset, c_offset+len) invariant from spec
// invariant: the interval must lie wholly inside the cache and must not wrap.
func (c *Cache) inBounds(cOffset, length uint64) bool {
	end := cOffset + length
	if end < cOffset { // wraps
		return false
	}
	return end <= c.size
}

// Close releases the cache window's virtual memory.
func (c *Cache) Close() error {
	if c.base == nil {
		return nil
	}
	err := unix.Munmap(c.base)
	c.base = nil
	return err
}

// Map implements the MAP slave RPC: for each non-empty entry, install
// a MAP_SHARED|MAP_FIXED mapping of fd at cache+c_offset with R/W
// permissions per flags. Any failure rolls back the entries of this
// message already mapped (UNMAP over just those entries) and returns
// the failing errno, negated.
func (c *Cache) Map(msg *govhost.BackendMsg, fd int) int64 {
	if !c.Enabled() {
		return -int64(unix.EINVAL)
	}
	applied := make([]int, 0, len(msg.Entries))
	for i, e := range msg.Entries {
		if e.Empty() {
			continue
		}
		if !c.inBounds(e.COffset, e.Len) {
			c.rollback(msg, applied)
			return -int64(unix.ERANGE)
		}
		prot := unix.PROT_NONE
		if e.Flags&govhost.BackendFlagMapR != 0 {
			prot |= unix.PROT_READ
		}
		if e.Flags&govhost.BackendFlagMapW != 0 {
			prot |= unix.PROT_WRITE
		}
		region := c.base[e.COffset : e.COffset+e.Len]
		if err := mmapFixed(ptrOf(region), uintptr(e.Len), prot,
			unix.MAP_SHARED|unix.MAP_FIXED, fd, int64(e.FDOffset)); err != nil {
			c.logger.Printf("daxcache: map entry %d failed: %v", i, err)
			c.rollback(msg, applied)
			return -int64(errno(err))
		}
		applied = append(applied, i)
	}
	return 0
}

// rollback undoes the entries in indices by restoring anonymous
// PROT_NONE mappings, best-effort.
func (c *Cache) rollback(msg *govhost.BackendMsg, indices []int) {
	var undo govhost.BackendMsg
	for _, i := range indices {
		undo.Entries[i] = msg.Entries[i]
	}
	c.Unmap(&undo)
}

// Unmap implements the UNMAP slave RPC. len == ~0 on an entry means
// "the entire cache". Individual failures are recorded but do not
// abort subsequent entries. If the cache is disabled, an all-ones
// UNMAP is silently accepted (the unmount path); any other UNMAP on a
// disabled cache is an error.
func (c *Cache) Unmap(msg *govhost.BackendMsg) int64 {
	if !c.Enabled() {
		for _, e := range msg.Entries {
			if e.Empty() {
				continue
			}
			if e.Len == govhost.UnmapWholeCache {
				continue
			}
			return -int64(unix.EINVAL)
		}
		return 0
	}

	var firstErr int64
	for i, e := range msg.Entries {
		if e.Empty() {
			continue
		}
		off, length := e.COffset, e.Len
		if length == govhost.UnmapWholeCache {
			off, length = 0, c.size
		} else if !c.inBounds(off, length) {
			c.logger.Printf("daxcache: unmap entry %d out of bounds", i)
			if firstErr == 0 {
				firstErr = -int64(unix.ERANGE)
			}
			continue
		}
		region := c.base[off : off+length]
		if err := mmapFixed(ptrOf(region), uintptr(length), unix.PROT_NONE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0); err != nil {
			c.logger.Printf("daxcache: unmap entry %d failed: %v", i, err)
			if firstErr == 0 {
				firstErr = -int64(errno(err))
			}
		}
	}
	return firstErr
}

// Sync implements the SYNC slave RPC: msync(MS_SYNC) each entry's
// range. Per-entry failures are recorded but the loop continues.
func (c *Cache) Sync(msg *govhost.BackendMsg) int64 {
	if !c.Enabled() {
		return -int64(unix.EINVAL)
	}
	var firstErr int64
	for i, e := range msg.Entries {
		if e.Empty() {
			continue
		}
		if !c.inBounds(e.COffset, e.Len) {
			if firstErr == 0 {
				firstErr = -int64(unix.ERANGE)
			}
			continue
		}
		region := c.base[e.COffset : e.COffset+e.Len]
		if err := unix.Msync(region, unix.MS_SYNC); err != nil {
			c.logger.Printf("daxcache: sync entry %d failed: %v", i, err)
			if firstErr == 0 {
				firstErr = -int64(errno(err))
			}
		}
	}
	return firstErr
}

// IO implements the IO slave RPC: for each entry, walk guest physical
// address c_offset for len bytes, resolve to a host pointer via the
// guest memory-region table, and pread/pwrite through fd at fd_offset.
// fd is closed before returning.
func (c *Cache) IO(msg *govhost.BackendMsg, fd int) int64 {
	defer unix.Close(fd)

	var total int64
	for i, e := range msg.Entries {
		if e.Empty() {
			continue
		}
		gpa, remaining, fdOff := e.COffset, e.Len, int64(e.FDOffset)
		toGuest := e.Flags&govhost.BackendFlagMapR != 0

		for remaining > 0 {
			host, writable, ok := c.translate(gpa, remaining)
			if !ok || len(host) == 0 {
				return -int64(unix.EFAULT)
			}
			var n int
			var err error
			if toGuest {
				if !writable {
					return -int64(unix.EFAULT)
				}
				n, err = unix.Pread(fd, host, fdOff)
			} else {
				n, err = unix.Pwrite(fd, host, fdOff)
			}
			if err != nil {
				c.logger.Printf("daxcache: io entry %d failed: %v", i, err)
				if total == 0 {
					return -int64(errno(err))
				}
				return total
			}
			if n == 0 {
				return total
			}
			total += int64(n)
			gpa += uint64(n)
			fdOff += int64(n)
			remaining -= uint64(n)
		}
	}
	return total
}

func errno(err error) unix.Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}
