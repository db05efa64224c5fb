package queue

import (
	"fmt"
	"log"

	"github.com/virtiofsd-go/virtiofsd/iovec"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

// NotifyPump runs the notification virtqueue's dedicated thread. Unlike
// a request queue, the guest posts empty write-only buffers to this
// queue for the daemon to fill; the pump's job is just to keep a ready
// supply of popped-but-unfilled buffers available to Notifier.Send.
type NotifyPump struct {
	info   *Info
	ready  chan *ring.Element
	logger *log.Logger
	done   chan struct{}
}

// NewNotifyPump builds a pump over the notification queue, buffering up
// to capacity popped-but-unfilled elements for the sender.
func NewNotifyPump(info *Info, capacity int, logger *log.Logger) *NotifyPump {
	if logger == nil {
		logger = log.Default()
	}
	return &NotifyPump{info: info, ready: make(chan *ring.Element, capacity), logger: logger, done: make(chan struct{})}
}

// Done returns a channel closed once Run has returned, so a caller that
// signaled the kill eventfd can join the pump goroutine.
func (p *NotifyPump) Done() <-chan struct{} { return p.done }

// Run blocks until the notification queue's kill eventfd fires.
func (p *NotifyPump) Run() {
	defer close(p.done)
	q := p.info.Ring
	for {
		event, err := ring.PpollTwo(q.KickFD, q.KillFD)
		if err != nil {
			p.logger.Printf("notify: ppoll: %v", err)
			return
		}
		switch event {
		case ring.PollKill:
			return
		case ring.PollError:
			p.logger.Printf("notify: ppoll reported an error condition")
			return
		case ring.PollKick:
			if err := ring.DrainKick(q.KickFD); err != nil {
				p.logger.Printf("notify: drain kick: %v", err)
				return
			}
			p.fill()
		case ring.PollNone:
		}
	}
}

func (p *NotifyPump) fill() {
	for {
		req, err := p.info.Pop()
		if err != nil {
			p.logger.Printf("notify: pop: %v", err)
			return
		}
		if req == nil {
			return
		}
		select {
		case p.ready <- req.el:
		default:
			// Buffer is already at capacity; drop the descriptor back
			// to the guest immediately rather than blocking the pump.
			p.info.complete(req, 0) //nolint:errcheck
		}
	}
}

// Notifier is the Notification Sender: it hands out one previously
// readied guest buffer per Send call and pushes the encoded payload
// into it.
type Notifier struct {
	pump *NotifyPump
	info *Info
}

// NewNotifier builds a sender over pump's ready-buffer supply.
func NewNotifier(pump *NotifyPump, info *Info) *Notifier {
	return &Notifier{pump: pump, info: info}
}

// Send writes payload into the next available guest-supplied buffer.
// It returns ErrNoSpace immediately, without blocking, if the guest
// has not currently made a buffer available — the caller (a FUSE
// invalidation notification, for instance) decides whether to drop or
// retry.
func (n *Notifier) Send(payload []byte) error {
	var el *ring.Element
	select {
	case el = <-n.pump.ready:
	default:
		return ErrNoSpace
	}

	if len(payload) > totalIovLen(el.In) {
		return fmt.Errorf("queue: %w: notification exceeds buffer", ErrReplyTooLarge)
	}
	sink := make([][]byte, len(el.In))
	for i, e := range el.In {
		sink[i] = e.Data
	}
	length := iovec.CopyIovIov(sink, [][]byte{payload}, len(payload))
	return n.info.complete(&Request{el: el, replied: true}, length)
}
