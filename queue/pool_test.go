package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/virtiofsd-go/virtiofsd/internal/fusewire"
)

// blockingSession's Process blocks until release is closed, letting a
// test hold a dispatched request "in flight" for as long as it needs.
type blockingSession struct {
	bufSize int
	started chan struct{}
	release chan struct{}
}

func (b *blockingSession) BufferSize() int { return b.bufSize }
func (b *blockingSession) Process(hdr []byte, extra [][]byte, ch *Channel) {
	close(b.started)
	<-b.release
}

func TestPoolCloseWaitsForInFlightRequest(t *testing.T) {
	sess := &blockingSession{bufSize: 1 << 20, started: make(chan struct{}), release: make(chan struct{})}
	worker := NewWorker(sess, nil)
	p := NewPool(1, 4, worker, nil)

	q, _, _, _ := testRing(t, fusewire.InHeaderSize, 64)
	info := NewInfo(0, q, nil)
	req, err := info.Pop()
	if err != nil || req == nil {
		t.Fatalf("Pop: %v %v", req, err)
	}

	p.Dispatch(req, info)
	<-sess.started // the worker goroutine is now blocked inside Process

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Close returned before the in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(sess.release)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close did not return after the in-flight request finished")
	}
}

func TestPoolWaitDoesNotStopPool(t *testing.T) {
	var mu sync.Mutex
	var processed int
	worker := NewWorker(&countingSession{bufSize: 1 << 20, mu: &mu, count: &processed}, nil)
	p := NewPool(2, 4, worker, nil)
	defer p.Close()

	q, _, _, _ := testRing(t, fusewire.InHeaderSize, 64)
	info := NewInfo(0, q, nil)
	req, err := info.Pop()
	if err != nil || req == nil {
		t.Fatalf("Pop: %v %v", req, err)
	}

	p.Dispatch(req, info)
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}
}

type countingSession struct {
	bufSize int
	mu      *sync.Mutex
	count   *int
}

func (c *countingSession) BufferSize() int { return c.bufSize }
func (c *countingSession) Process(hdr []byte, extra [][]byte, ch *Channel) {
	c.mu.Lock()
	*c.count++
	c.mu.Unlock()
}
