package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
)

// Entry is one guest-memory segment of a descriptor chain. Data is nil
// when the segment could not be resolved through the memory table —
// an "unmappable" entry, in which case GuestAddr
// and Len describe the range for later servicing via the IO backend
// RPC.
type Entry struct {
	Data      []byte
	GuestAddr uint64
	Len       uint32
}

func (e Entry) unmappable() bool { return e.Data == nil }

// Element is one popped descriptor chain.
type Element struct {
	Index uint16

	// Out is guest-to-daemon ("read" from the daemon's perspective).
	// In is daemon-to-guest ("write"). Mappable entries precede
	// unmappable ones in each direction; BadOutNum/BadInNum count the
	// unmappable trailing run.
	Out       []Entry
	In        []Entry
	BadOutNum int
	BadInNum  int
}

// Queue is one virtqueue's ring state: the mapped descriptor/avail/
// used arrays plus the bookkeeping pop/push need. It corresponds to
// vhostuser.Virtq, generalized to flag unmappable descriptor ranges
// instead of failing the whole pop.
type Queue struct {
	Num int

	desc      []govhost.VringDesc
	avail     *govhost.VringAvail
	availRing []uint16
	used      *govhost.VringUsed
	usedRing  []govhost.VringUsedElement

	lastAvailIdx uint16
	usedIdx      uint16
	inuse        uint

	signaledUsed      uint16
	signaledUsedValid bool

	KickFD int
	KillFD int
	CallFD int

	mem *MemTable
}

// NewQueue allocates a Queue backed by mem for descriptor/data
// translation.
func NewQueue(num int, mem *MemTable) *Queue {
	return &Queue{Num: num, mem: mem}
}

// MapRing installs the descriptor/avail/used arrays at the front end's
// SET_VRING_ADDR addresses, translated through the memory table the
// same way vhostuser.Device.MapRing does.
func (q *Queue) MapRing(addr govhost.VringAddr) error {
	descPtr, err := q.mem.FromUserAddr(addr.DescUserAddr)
	if err != nil {
		return fmt.Errorf("ring: desc table: %w", err)
	}
	q.desc = unsafe.Slice((*govhost.VringDesc)(descPtr), q.Num)

	usedPtr, err := q.mem.FromUserAddr(addr.UsedUserAddr)
	if err != nil {
		return fmt.Errorf("ring: used ring: %w", err)
	}
	q.used = (*govhost.VringUsed)(usedPtr)
	q.usedRing = unsafe.Slice(&q.used.Ring0, q.Num)

	availPtr, err := q.mem.FromUserAddr(addr.AvailUserAddr)
	if err != nil {
		return fmt.Errorf("ring: avail ring: %w", err)
	}
	q.avail = (*govhost.VringAvail)(availPtr)
	q.availRing = unsafe.Slice(&q.avail.Ring0, q.Num)

	q.usedIdx = q.used.Idx
	q.lastAvailIdx = q.usedIdx
	return nil
}

func (q *Queue) empty() bool {
	return q.avail.Idx == q.lastAvailIdx
}

// Pop removes the next available descriptor chain, or returns (nil,
// nil) if the queue is currently empty.
func (q *Queue) Pop() (*Element, error) {
	if q.empty() {
		return nil, nil
	}
	if int(q.inuse) >= q.Num {
		return nil, fmt.Errorf("ring: queue full")
	}

	idx := int(q.lastAvailIdx) % q.Num
	q.lastAvailIdx++
	head := q.availRing[idx]
	if int(head) >= q.Num {
		return nil, fmt.Errorf("ring: bogus avail head %d", head)
	}

	el, err := q.mapDesc(int(head))
	if err != nil {
		return nil, err
	}
	q.inuse++
	return el, nil
}

func (q *Queue) mapDesc(head int) (*Element, error) {
	result := &Element{Index: uint16(head)}
	desc := q.desc[head]

	for {
		entry := q.readEntry(desc.Addr, desc.Len)
		if desc.Flags&govhost.VringDescFWrite != 0 {
			result.In = append(result.In, entry)
		} else {
			result.Out = append(result.Out, entry)
		}
		if desc.Flags&govhost.VringDescFNext == 0 {
			break
		}
		head = int(desc.Next)
		if head >= len(q.desc) {
			return nil, fmt.Errorf("ring: descriptor chain runs past table")
		}
		desc = q.desc[head]
	}

	result.BadOutNum = trailingUnmappable(result.Out)
	result.BadInNum = trailingUnmappable(result.In)
	return result, nil
}

func trailingUnmappable(entries []Entry) int {
	n := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].unmappable() {
			break
		}
		n++
	}
	return n
}

func (q *Queue) readEntry(guestAddr uint64, length uint32) Entry {
	data := q.mem.FromGuestAddr(guestAddr, uint64(length))
	return Entry{Data: data, GuestAddr: guestAddr, Len: length}
}

// Push publishes an Element as complete with the given reply length,
// mirroring vhostuser.Device.pushQueue.
func (q *Queue) Push(el *Element, length int) {
	idx := int(q.usedIdx) % q.Num
	q.usedRing[idx] = govhost.VringUsedElement{ID: uint32(el.Index), Len: uint32(length)}

	old := q.usedIdx
	q.usedIdx++
	q.used.Idx = q.usedIdx
	q.inuse--

	if q.usedIdx-q.signaledUsed < q.usedIdx-old {
		q.signaledUsedValid = false
	}
}

// Notify raises the call eventfd, adapted from vhostuser.Device.queueNotify /
// vringNotify. It signals unconditionally on every call: this
// implementation does not support VIRTIO_RING_F_EVENT_IDX, so there is
// no "guest already saw this" suppression. queue.Info.complete calls it
// once per pushed element.
func (q *Queue) Notify() error {
	q.signaledUsed = q.usedIdx
	q.signaledUsedValid = true

	var payload [8]byte
	payload[0] = 1
	_, err := unix.Write(q.CallFD, payload[:])
	return err
}
