package govhost

import "fmt"

// Descriptor flags (virtio_ring.h).
const (
	VringDescFNext     = 1 // buffer continues via Next
	VringDescFWrite    = 2 // buffer is write-only (daemon-to-guest, "in")
	VringDescFIndirect = 4 // buffer is itself a list of descriptors
)

// VringDesc is one entry of the descriptor table (aligned 16 bytes).
type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d VringDesc) String() string {
	return fmt.Sprintf("[0x%x,+0x%x) flags=%#x next=%d", d.Addr, d.Len, d.Flags, d.Next)
}

// VringAvail is the driver-writable "available" ring header; Ring0 is
// the first element of a variable-length array of Num uint16 indices.
type VringAvail struct {
	Flags uint16
	Idx   uint16
	Ring0 uint16
}

// VringUsedElement records one completed descriptor chain: its head
// index and the number of bytes the device wrote into it.
type VringUsedElement struct {
	ID  uint32
	Len uint32
}

// VringUsed is the device-writable "used" ring header; Ring0 is the
// first element of a variable-length array of Num VringUsedElement.
type VringUsed struct {
	Flags uint16
	Idx   uint16
	Ring0 VringUsedElement
}
