package queue

import (
	"log"

	"github.com/virtiofsd-go/virtiofsd/ring"
)

// Pump runs one request virtqueue's dedicated thread: block on ppoll
// for the kick or kill eventfd, drain every available descriptor chain
// on wake, hand each to the pool, and repeat until killed.
type Pump struct {
	Info *Info
	Pool *Pool

	logger *log.Logger
	done   chan struct{}
}

// NewPump builds a pump for info, dispatching popped requests to pool.
func NewPump(info *Info, pool *Pool, logger *log.Logger) *Pump {
	if logger == nil {
		logger = log.Default()
	}
	return &Pump{Info: info, Pool: pool, logger: logger, done: make(chan struct{})}
}

// Done returns a channel closed once Run has returned, so a caller that
// signaled the kill eventfd can join the pump goroutine before reusing
// or closing it (the disable direction of queue_set_started).
func (p *Pump) Done() <-chan struct{} { return p.done }

// Run blocks the calling goroutine until the queue's kill eventfd is
// signaled. It is meant to be run in its own goroutine, one per queue,
// mirroring vhost-user's one-OS-thread-per-queue model translated to
// one goroutine per queue.
func (p *Pump) Run() {
	defer close(p.done)
	q := p.Info.Ring
	for {
		event, err := ring.PpollTwo(q.KickFD, q.KillFD)
		if err != nil {
			p.logger.Printf("queue[%d]: ppoll: %v", p.Info.Index, err)
			return
		}
		switch event {
		case ring.PollKill:
			return
		case ring.PollError:
			p.logger.Printf("queue[%d]: ppoll reported an error condition", p.Info.Index)
			return
		case ring.PollKick:
			if err := ring.DrainKick(q.KickFD); err != nil {
				p.logger.Printf("queue[%d]: drain kick: %v", p.Info.Index, err)
				return
			}
			p.drain()
		case ring.PollNone:
			// spurious wakeup, poll again
		}
	}
}

func (p *Pump) drain() {
	for {
		req, err := p.Info.Pop()
		if err != nil {
			p.logger.Printf("queue[%d]: pop: %v", p.Info.Index, err)
			return
		}
		if req == nil {
			return
		}
		p.Pool.Dispatch(req, p.Info)
	}
}
