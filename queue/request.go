package queue

import (
	"sync"

	"github.com/virtiofsd-go/virtiofsd/ring"
)

// Request binds one popped descriptor chain to the queue it came from,
// tracking whether a reply has already been pushed to the used ring.
// A worker that returns without sending a reply (a FUSE opcode with no
// response, or a fatal protocol violation) still needs the chain
// retired exactly once: Worker.Handle retires a chain nobody replied
// to, and Request.markReplied keeps a session from replying twice.
type Request struct {
	mu      sync.Mutex
	el      *ring.Element
	replied bool
}

func newRequest(el *ring.Element) *Request {
	return &Request{el: el}
}

// markReplied records that a reply is being pushed for this request and
// reports whether it was the first time. A second call (a session
// double-replying) returns false so callers can detect the mistake
// instead of double-pushing the used ring.
func (r *Request) markReplied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replied {
		return false
	}
	r.replied = true
	return true
}

func (r *Request) hasReplied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}
