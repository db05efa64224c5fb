package queue

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/internal/fusewire"
	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

// testRing builds a single-descriptor-chain virtqueue entirely out of
// regular Go byte slices (no mmap needed: FromUserAddr just takes the
// address of a slice element, which is stable because the Go GC never
// relocates heap allocations). It prepopulates one avail chain made of
// one readable descriptor of size outLen and one writable descriptor
// of size inLen, ready to Pop.
func testRing(t *testing.T, outLen, inLen int) (*ring.Queue, []byte, []byte, []byte) {
	t.Helper()

	const num = 4
	ctrl := make([]byte, 4096)
	const descOff, availOff, usedOff = 0, 256, 512
	const userBase = 0x1000

	outData := make([]byte, outLen)
	inData := make([]byte, inLen)
	const outGuestAddr = 0x2000
	inGuestAddr := uint64(outGuestAddr + outLen + 64)

	mem := &ring.MemTable{}
	mem.Add(ring.MemoryRegion{GuestPhysAddr: outGuestAddr, Size: uint64(len(outData)), Host: outData})
	mem.Add(ring.MemoryRegion{GuestPhysAddr: inGuestAddr, Size: uint64(len(inData)), Host: inData})
	mem.Add(ring.MemoryRegion{UserAddr: userBase, Size: uint64(len(ctrl)), Host: ctrl})

	// desc[0]: readable, chained to desc[1]
	binary.LittleEndian.PutUint64(ctrl[descOff:], outGuestAddr)
	binary.LittleEndian.PutUint32(ctrl[descOff+8:], uint32(outLen))
	binary.LittleEndian.PutUint16(ctrl[descOff+12:], govhost.VringDescFNext)
	binary.LittleEndian.PutUint16(ctrl[descOff+14:], 1)

	// desc[1]: writable, last
	binary.LittleEndian.PutUint64(ctrl[descOff+16:], inGuestAddr)
	binary.LittleEndian.PutUint32(ctrl[descOff+24:], uint32(inLen))
	binary.LittleEndian.PutUint16(ctrl[descOff+28:], govhost.VringDescFWrite)
	binary.LittleEndian.PutUint16(ctrl[descOff+30:], 0)

	// avail: idx=1, ring[0]=0
	binary.LittleEndian.PutUint16(ctrl[availOff+2:], 1)
	binary.LittleEndian.PutUint16(ctrl[availOff+4:], 0)

	q := ring.NewQueue(num, mem)
	err := q.MapRing(govhost.VringAddr{
		DescUserAddr:  userBase + descOff,
		AvailUserAddr: userBase + availOff,
		UsedUserAddr:  userBase + usedOff,
	})
	if err != nil {
		t.Fatalf("MapRing: %v", err)
	}

	callFD, err := ring.NewKillEventfd()
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	q.CallFD = callFD
	t.Cleanup(func() { unix.Close(callFD) })

	return q, outData, inData, ctrl
}

// usedIdx reads back the used ring's idx field straight out of a
// testRing control buffer, for asserting that a push actually happened
// without reaching into ring.Queue's unexported bookkeeping.
func usedIdx(ctrl []byte) uint16 {
	const usedOff = 512
	return binary.LittleEndian.Uint16(ctrl[usedOff+2:])
}

func inHeader(opcode fusewire.Opcode) []byte {
	buf := make([]byte, fusewire.InHeaderSize)
	binary.LittleEndian.PutUint32(buf[4:], uint32(opcode))
	return buf
}

func TestSendReplyIovHappyPath(t *testing.T) {
	q, outData, inData, _ := testRing(t, fusewire.InHeaderSize, 64)
	copy(outData, inHeader(fusewire.OpGetattr))

	info := NewInfo(0, q, nil)
	req, err := info.Pop()
	if err != nil || req == nil {
		t.Fatalf("Pop: %v %v", req, err)
	}
	ch := newChannel(req, info)

	reply := []byte("hello reply")
	if err := ch.SendReplyIov([][]byte{reply}); err != nil {
		t.Fatalf("SendReplyIov: %v", err)
	}
	if string(inData[:len(reply)]) != string(reply) {
		t.Fatalf("reply not copied into sink: got %q", inData[:len(reply)])
	}
	if !req.hasReplied() {
		t.Fatalf("request not marked replied")
	}
}

func TestSendReplyIovDoubleReplyRejected(t *testing.T) {
	q, outData, _, _ := testRing(t, fusewire.InHeaderSize, 64)
	copy(outData, inHeader(fusewire.OpGetattr))

	info := NewInfo(0, q, nil)
	req, _ := info.Pop()
	ch := newChannel(req, info)

	if err := ch.SendReplyIov([][]byte{[]byte("a")}); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if err := ch.SendReplyIov([][]byte{[]byte("b")}); err == nil {
		t.Fatalf("expected error on second reply")
	}
}

func TestSendReplyIovTooLarge(t *testing.T) {
	q, outData, _, _ := testRing(t, fusewire.InHeaderSize, 4)
	copy(outData, inHeader(fusewire.OpGetattr))

	info := NewInfo(0, q, nil)
	req, _ := info.Pop()
	ch := newChannel(req, info)

	if err := ch.SendReplyIov([][]byte{[]byte("way too big for a 4 byte sink")}); err == nil {
		t.Fatalf("expected ErrReplyTooLarge")
	}
}
