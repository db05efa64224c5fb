package daxcache

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrOf returns the address backing region, for use as the fixed
// target of mmapFixed.
func ptrOf(region []byte) uintptr {
	return uintptr(unsafe.Pointer(&region[0]))
}

// mmapFixed installs a mapping at exactly addr, overwriting whatever
// was mapped there before (MAP_FIXED). golang.org/x/sys/unix.Mmap
// always lets the kernel choose the address, so the fixed-address
// overlay MAP does needs the raw syscall, the same way
// qemu's memory-region API calls mmap(2) with a non-NULL hint under
// MAP_FIXED.
func mmapFixed(addr uintptr, length uintptr, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}
