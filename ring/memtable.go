// Package ring adapts the vhost-user framing library's ring mechanics
// (memory-region translation, descriptor-chain pop/push, kick/call
// notification) from vhostuser.Device and vhostuser.Virtq in the
// go-fuse vhost-user backend into a form the queue package can drive.
//
// The vhost-user control-message framing itself (SET_MEM_TABLE,
// SET_VRING_ADDR, ...) is handled elsewhere; this package only
// owns the resulting mapped regions and ring bookkeeping.
package ring

import (
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MemoryRegion is one mmap-ed slice of guest memory, keyed by both its
// guest-physical address (used to resolve descriptor buffer contents)
// and its "user address" (the vhost-user front-end's own pointer,
// used to resolve where the vring control structures themselves live).
type MemoryRegion struct {
	GuestPhysAddr uint64
	UserAddr      uint64
	Size          uint64
	Host          []byte
}

func (r MemoryRegion) containsGuest(addr uint64) bool {
	return addr >= r.GuestPhysAddr && addr < r.GuestPhysAddr+r.Size
}

func (r MemoryRegion) containsUser(addr uint64) bool {
	return addr >= r.UserAddr && addr < r.UserAddr+r.Size
}

// MemTable is the sorted set of memory regions the front end has
// registered via ADD_MEM_REG/SET_MEM_TABLE.
type MemTable struct {
	regions []MemoryRegion
}

// Add installs a new region, keeping the table sorted by guest
// physical address the way vhostuser.Device.AddMemReg does.
func (t *MemTable) Add(r MemoryRegion) {
	idx := sort.Search(len(t.regions), func(i int) bool {
		return r.GuestPhysAddr < t.regions[i].GuestPhysAddr
	})
	t.regions = append(t.regions, MemoryRegion{})
	copy(t.regions[idx+1:], t.regions[idx:])
	t.regions[idx] = r
}

// Regions returns the live region table, e.g. for daxcache IO address
// translation.
func (t *MemTable) Regions() []MemoryRegion { return t.regions }

// FromGuestAddr resolves a guest-physical address to a host byte
// slice, truncated to at most sz bytes if the containing region ends
// first. It returns nil if addr is not backed by any registered
// region — the caller (Queue.mapDesc) treats that as an "unmappable"
// segment rather than an error.
func (t *MemTable) FromGuestAddr(addr uint64, sz uint64) []byte {
	for _, r := range t.regions {
		if !r.containsGuest(addr) {
			continue
		}
		seg := r.Host[addr-r.GuestPhysAddr:]
		if uint64(len(seg)) > sz {
			seg = seg[:sz]
		}
		return seg
	}
	return nil
}

// FromUserAddr resolves the front end's own pointer (as used in
// SET_VRING_ADDR) to a host pointer into our mapping of the same
// shared memory.
func (t *MemTable) FromUserAddr(addr uint64) (unsafe.Pointer, error) {
	for _, r := range t.regions {
		if !r.containsUser(addr) {
			continue
		}
		return unsafe.Pointer(&r.Host[addr-r.UserAddr]), nil
	}
	return nil, fmt.Errorf("ring: no region maps user address %#x", addr)
}

// MapFD mmaps fd at the given offset/size and registers it under both
// addressing schemes, mirroring deviceRegion.configure.
func MapFD(fd int, guestPhysAddr, userAddr, size, mmapOffset uint64) (MemoryRegion, error) {
	data, err := unix.Mmap(fd, int64(mmapOffset), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return MemoryRegion{}, err
	}
	return MemoryRegion{
		GuestPhysAddr: guestPhysAddr,
		UserAddr:      userAddr,
		Size:          size,
		Host:          data,
	}, nil
}
