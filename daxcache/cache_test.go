package daxcache

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
)

func tempFile(t *testing.T, size int) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "daxcache")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMapThenUnmapRestoresProtNone(t *testing.T) {
	// I3 / scenario 4: MAP then a complete UNMAP restores PROT_NONE.
	c, err := New(Options{Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	f := tempFile(t, 4096)
	defer f.Close()
	content := []byte("hello dax cache")
	copy(make([]byte, 4096), content)
	if _, err := f.WriteAt(content, 0); err != nil {
		t.Fatal(err)
	}

	msg := &govhost.BackendMsg{}
	msg.Entries[0] = govhost.BackendMsgEntry{
		Flags: govhost.BackendFlagMapR, COffset: 0, FDOffset: 0, Len: 4096,
	}
	if res := c.Map(msg, int(f.Fd())); res != 0 {
		t.Fatalf("map failed: %d", res)
	}
	if string(c.Base()[:len(content)]) != string(content) {
		t.Fatalf("mapped region does not reflect file contents")
	}

	if res := c.Unmap(msg); res != 0 {
		t.Fatalf("unmap failed: %d", res)
	}

	// Reading the unmapped region should now fault (PROT_NONE). A
	// SIGSEGV can't safely be caught in a unit test, so the PROT_NONE
	// state itself is not observed here; the test checks that UNMAP
	// succeeded above and that the same range can be MAP_FIXED over
	// again below.
	if res := c.Map(msg, int(f.Fd())); res != 0 {
		t.Fatalf("remap after unmap failed: %d", res)
	}
}

func TestMapOutOfBoundsRejected(t *testing.T) {
	// I4 / scenario 5: out-of-bounds MAP is rejected with no mapping
	// change.
	c, err := New(Options{Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	f := tempFile(t, 8192)
	defer f.Close()

	msg := &govhost.BackendMsg{}
	msg.Entries[0] = govhost.BackendMsgEntry{
		Flags: govhost.BackendFlagMapR, COffset: 4096, FDOffset: 0, Len: 4096,
	}
	res := c.Map(msg, int(f.Fd()))
	if res >= 0 {
		t.Fatalf("expected failure, got %d", res)
	}
}

func TestMapOverflowRejected(t *testing.T) {
	// I4: c_offset + len overflow must be rejected.
	c, err := New(Options{Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := &govhost.BackendMsg{}
	msg.Entries[0] = govhost.BackendMsgEntry{
		Flags: govhost.BackendFlagMapR, COffset: ^uint64(0) - 10, Len: 4096,
	}
	if res := c.Map(msg, -1); res >= 0 {
		t.Fatalf("expected failure, got %d", res)
	}
}

func TestZeroSizeCacheBoundaryBehaviors(t *testing.T) {
	c, err := New(Options{Size: 0})
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Fatal("zero-size cache should be disabled")
	}

	mapMsg := &govhost.BackendMsg{}
	mapMsg.Entries[0] = govhost.BackendMsgEntry{Flags: govhost.BackendFlagMapR, Len: 4096}
	if res := c.Map(mapMsg, -1); res >= 0 {
		t.Fatalf("MAP on disabled cache should fail, got %d", res)
	}
	if res := c.Sync(mapMsg); res >= 0 {
		t.Fatalf("SYNC on disabled cache should fail, got %d", res)
	}

	unmapAll := &govhost.BackendMsg{}
	unmapAll.Entries[0] = govhost.BackendMsgEntry{Len: govhost.UnmapWholeCache}
	if res := c.Unmap(unmapAll); res != 0 {
		t.Fatalf("UNMAP len=~0 on disabled cache should succeed, got %d", res)
	}

	unmapSome := &govhost.BackendMsg{}
	unmapSome.Entries[0] = govhost.BackendMsgEntry{Len: 4096}
	if res := c.Unmap(unmapSome); res >= 0 {
		t.Fatalf("UNMAP with a concrete range on disabled cache should fail, got %d", res)
	}
}

func TestUnmapWholeCache(t *testing.T) {
	c, err := New(Options{Size: 8192})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := &govhost.BackendMsg{}
	msg.Entries[0] = govhost.BackendMsgEntry{Len: govhost.UnmapWholeCache}
	if res := c.Unmap(msg); res != 0 {
		t.Fatalf("unmap whole cache failed: %d", res)
	}
}

func TestIOTransfersBytes(t *testing.T) {
	// Scenario 2 (unmappable READ): IO moves bytes from a file into a
	// guest-physical range via the cache back-channel.
	c, err := New(Options{Size: 0}) // IO doesn't touch the cache window itself
	if err != nil {
		t.Fatal(err)
	}

	guest := make([]byte, 4096)
	c.SetGuestRegions([]GuestRegion{
		{GuestPhysAddr: 0x1000, Size: uint64(len(guest)), Host: guest, Writable: true},
	})

	content := []byte("payload bytes for the guest")
	f := tempFile(t, 4096)
	defer f.Close()
	if _, err := f.WriteAt(content, 0); err != nil {
		t.Fatal(err)
	}

	msg := &govhost.BackendMsg{}
	msg.Entries[0] = govhost.BackendMsgEntry{
		Flags: govhost.BackendFlagMapR, COffset: 0x1000, FDOffset: 0, Len: uint64(len(content)),
	}

	// duplicate fd because IO closes it
	dupFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	n := c.IO(msg, dupFd)
	if n != int64(len(content)) {
		t.Fatalf("IO transferred %d, want %d", n, len(content))
	}
	if string(guest[:len(content)]) != string(content) {
		t.Fatalf("guest memory not updated: %q", guest[:len(content)])
	}
}

func TestIOWriteToReadOnlyRegionFails(t *testing.T) {
	c, err := New(Options{Size: 0})
	if err != nil {
		t.Fatal(err)
	}
	guest := make([]byte, 4096)
	c.SetGuestRegions([]GuestRegion{
		{GuestPhysAddr: 0, Size: uint64(len(guest)), Host: guest, Writable: false},
	})

	f := tempFile(t, 4096)
	defer f.Close()
	dupFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}

	msg := &govhost.BackendMsg{}
	msg.Entries[0] = govhost.BackendMsgEntry{Flags: govhost.BackendFlagMapR, Len: 16}
	if res := c.IO(msg, dupFd); res >= 0 {
		t.Fatalf("expected EFAULT-style failure writing to read-only region, got %d", res)
	}
}
