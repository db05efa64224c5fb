package queue

import (
	"sync"

	"github.com/virtiofsd-go/virtiofsd/backend"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

// Info is one virtqueue's runtime state: its mapped ring, the mutex
// serializing pop/push/notify against that ring, and the slave-channel
// client workers use to service unmappable descriptor ranges.
//
// SessionLock, when set, is the owning controller's control-plane
// lock: control messages that remap memory or rings (ADD_MEM_REG,
// SET_VRING_ADDR) take it exclusively, while Pop/complete take it for
// read, so a remap can never race a live pop/push on the same ring.
type Info struct {
	Index int

	mu          sync.Mutex
	Ring        *ring.Queue
	Backend     *backend.Client
	SessionLock *sync.RWMutex
}

// NewInfo builds queue state for index idx over the given ring and
// slave-channel client.
func NewInfo(idx int, q *ring.Queue, be *backend.Client) *Info {
	return &Info{Index: idx, Ring: q, Backend: be}
}

// Pop removes the next available descriptor chain under the queue
// lock, wrapping it as a Request bound back to this Info.
func (i *Info) Pop() (*Request, error) {
	if i.SessionLock != nil {
		i.SessionLock.RLock()
		defer i.SessionLock.RUnlock()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	el, err := i.Ring.Pop()
	if err != nil || el == nil {
		return nil, err
	}
	return newRequest(el), nil
}

// complete pushes req's reply of the given length and rings the call
// eventfd, all under the queue lock so a concurrent Pop from the pump
// thread never interleaves with it.
func (i *Info) complete(req *Request, length int) error {
	if i.SessionLock != nil {
		i.SessionLock.RLock()
		defer i.SessionLock.RUnlock()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Ring.Push(req.el, length)
	return i.Ring.Notify()
}
