package session

import (
	"encoding/binary"
	"log"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/daxcache"
	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
	"github.com/virtiofsd-go/virtiofsd/queue"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

type nopSession struct{}

func (nopSession) BufferSize() int { return 1 << 20 }
func (nopSession) Process(hdr []byte, extra [][]byte, ch *queue.Channel) {}

func testOptions() Options {
	return Options{
		SocketPath:       "",
		Tag:              "mytag",
		QueueSize:        8,
		NumRequestQueues: 1,
		ThreadPoolSize:   2,
		NotifyBufSize:    4,
		Cache:            daxcache.Options{Size: 0},
		Logger:           log.Default(),
	}
}

func TestControllerGetSetFeatures(t *testing.T) {
	c, err := NewController(testOptions(), nopSession{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	reply, err := c.dispatch(govhost.ReqGetFeatures, nil, nil)
	if err != nil {
		t.Fatalf("GET_FEATURES: %v", err)
	}
	got := binary.LittleEndian.Uint64(reply)
	if got&govhost.FeatVersion1 == 0 {
		t.Fatalf("GET_FEATURES reply missing FeatVersion1: %#x", got)
	}

	want := make([]byte, 8)
	binary.LittleEndian.PutUint64(want, govhost.FeatFSNotification)
	if _, err := c.dispatch(govhost.ReqSetFeatures, want, nil); err != nil {
		t.Fatalf("SET_FEATURES: %v", err)
	}
	if c.features != govhost.FeatFSNotification {
		t.Fatalf("features = %#x, want %#x", c.features, uint64(govhost.FeatFSNotification))
	}
}

func TestControllerGetQueueNum(t *testing.T) {
	c, err := NewController(testOptions(), nopSession{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	reply, err := c.dispatch(govhost.ReqGetQueueNum, nil, nil)
	if err != nil {
		t.Fatalf("GET_QUEUE_NUM: %v", err)
	}
	got := binary.LittleEndian.Uint64(reply)
	if got != 3 { // hiprio + notification + NumRequestQueues
		t.Fatalf("GET_QUEUE_NUM = %d, want 3", got)
	}
}

func TestControllerGetConfig(t *testing.T) {
	c, err := NewController(testOptions(), nopSession{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	cfg := c.getConfig()
	if string(cfg[:6]) != "mytag\x00" {
		t.Fatalf("tag = %q", cfg[:6])
	}
	if binary.LittleEndian.Uint32(cfg[36:]) != 1 {
		t.Fatalf("num request queues mismatch")
	}
}

func TestControllerSetVringEnableThenDisableJoinsPump(t *testing.T) {
	c, err := NewController(testOptions(), nopSession{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	// Give queue 0 a valid, never-signaled kick eventfd so its pump's
	// ppoll has a real fd to watch alongside the kill eventfd.
	kickFD, err := ring.NewKillEventfd()
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(kickFD)
	c.slots[0].q.KickFD = kickFD

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], 0)
	binary.LittleEndian.PutUint32(payload[4:], 1)
	if _, err := c.dispatch(govhost.ReqSetVringEnable, payload, nil); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !c.slots[0].started {
		t.Fatalf("expected queue 0 to be started")
	}
	pump := c.slots[0].pump
	if pump == nil {
		t.Fatalf("expected a pump goroutine to be running")
	}

	binary.LittleEndian.PutUint32(payload[4:], 0)
	if _, err := c.dispatch(govhost.ReqSetVringEnable, payload, nil); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if c.slots[0].started {
		t.Fatalf("expected queue 0 to be stopped")
	}
	if c.slots[0].pump != nil {
		t.Fatalf("expected pump reference to be cleared on disable")
	}

	select {
	case <-pump.Done():
	case <-time.After(time.Second):
		t.Fatalf("pump goroutine did not exit after SET_VRING_ENABLE(false)")
	}

	// Re-enabling must work: the kill eventfd was replaced, so a fresh
	// pump can start without immediately observing a stale kill signal.
	binary.LittleEndian.PutUint32(payload[4:], 1)
	if _, err := c.dispatch(govhost.ReqSetVringEnable, payload, nil); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if !c.slots[0].started || c.slots[0].pump == nil {
		t.Fatalf("expected queue 0 to be running again after re-enable")
	}
}

func TestControllerSetVringNumOutOfRange(t *testing.T) {
	c, err := NewController(testOptions(), nopSession{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], 99)
	binary.LittleEndian.PutUint32(payload[4:], 8)
	if _, err := c.dispatch(govhost.ReqSetVringNum, payload, nil); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}
