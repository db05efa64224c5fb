package queue

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
	"github.com/virtiofsd-go/virtiofsd/iovec"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

// Channel is the per-request handle a FuseSession uses to send exactly
// one reply. It binds a Request to the queue it was popped from and to
// the backend client needed for the unmappable-sink passthrough path.
type Channel struct {
	req  *Request
	info *Info
}

func newChannel(req *Request, info *Info) *Channel {
	return &Channel{req: req, info: info}
}

// sinkEntries is the element's write-direction ("In") entries: the
// guest-supplied buffers a reply is copied into.
func (ch *Channel) sinkEntries() []ring.Entry { return ch.req.el.In }

func totalIovLen(entries []ring.Entry) int {
	n := 0
	for _, e := range entries {
		n += int(e.Len)
	}
	return n
}

// SendReplyIov copies the concatenation of parts into the request's
// sink iovecs and retires the descriptor chain. Used by the generic
// reply path and by fast path 1 (unmappable WRITE), where the reply is
// just a fuse_out_header with no payload.
func (ch *Channel) SendReplyIov(parts [][]byte) error {
	if !ch.req.markReplied() {
		return fmt.Errorf("queue: %w: reply already sent", ErrProtocolViolation)
	}

	sink := ch.req.el.In
	if ch.req.el.BadInNum > 0 {
		return fmt.Errorf("queue: %w: sink has unmappable entries", ErrProtocolViolation)
	}
	dst := make([][]byte, len(sink))
	for i, e := range sink {
		dst[i] = e.Data
	}

	need := iovec.TotalLen(parts)
	if need > totalIovLen(sink) {
		return fmt.Errorf("queue: %w: need %d, have %d", ErrReplyTooLarge, need, totalIovLen(sink))
	}

	n := iovec.CopyIovIov(dst, parts, need)
	return ch.info.complete(ch.req, n)
}

// SendReplyDataIov sends a header followed by up to dataLen bytes read
// from fd at fdOffset, for fast path 2 (unmappable READ passthrough).
// The header goes through the sink's mappable prefix as usual. Whatever
// mappable sink capacity remains after the header is filled with a
// direct vectored read from fd, straight into daemon memory; only the
// leftover unmappable trailing entries are serviced through the IO
// slave RPC, one entry — and one round trip — at a time. If any step
// fails once the reply has started, the chain is retired with a
// zero-length completion before the error is returned.
func (ch *Channel) SendReplyDataIov(header []byte, fd int, fdOffset int64, dataLen int) error {
	if !ch.req.markReplied() {
		return fmt.Errorf("queue: %w: reply already sent", ErrProtocolViolation)
	}
	fail := func(err error) error {
		ch.info.complete(ch.req, 0) //nolint:errcheck // recycle the descriptor
		return err
	}

	sink := ch.req.el.In
	bad := ch.req.el.BadInNum
	mappable := sink[:len(sink)-bad]
	unmappable := sink[len(sink)-bad:]

	dst := make([][]byte, len(mappable))
	for i, e := range mappable {
		dst[i] = e.Data
	}
	if iovec.TotalLen(dst) < len(header) {
		return fail(fmt.Errorf("queue: %w: header does not fit mappable sink", ErrReplyTooLarge))
	}
	iovec.CopyIovIov(dst, [][]byte{header}, len(header))

	remaining := dataLen
	off := fdOffset
	transferred := 0

	if localCap := iovec.TotalLen(dst) - len(header); localCap > 0 && remaining > 0 {
		want := remaining
		if want > localCap {
			want = localCap
		}
		n, err := preadvFull(fd, iovec.Skip(dst, len(header)), off, want)
		transferred += n
		off += int64(n)
		remaining -= n
		if err != nil {
			return fail(fmt.Errorf("queue: local read at %d: %w", off, err))
		}
	}

	if remaining > 0 {
		if ch.info.Backend == nil {
			return fail(fmt.Errorf("queue: %w: no backend for unmappable sink", ErrProtocolViolation))
		}
		for i := 0; i < len(unmappable) && remaining > 0; i++ {
			e := unmappable[i]
			n := int(e.Len)
			if n > remaining {
				n = remaining
			}
			var msg govhost.BackendMsg
			msg.Entries[0] = govhost.BackendMsgEntry{
				Flags:    govhost.BackendFlagMapR,
				FDOffset: uint64(off),
				COffset:  e.GuestAddr,
				Len:      uint64(n),
			}
			res, err := ch.info.Backend.IO(&msg, fd)
			if err != nil {
				return fail(fmt.Errorf("queue: %w: %v", ErrBackend, err))
			}
			if res < 0 {
				return fail(fmt.Errorf("queue: %w: io returned %d", ErrBackend, res))
			}
			transferred += int(res)
			off += res
			remaining -= int(res)
		}
	}

	return ch.info.complete(ch.req, len(header)+transferred)
}

// preadvFull performs a vectored read of exactly want bytes from fd at
// off into dst, retrying on short reads and EINTR the way io.ReadFull
// does for a single reader. dst is bounded to want bytes first so a
// short underlying file never spills into iovecs meant for the
// unmappable tail.
func preadvFull(fd int, dst [][]byte, off int64, want int) (int, error) {
	got := 0
	for got < want {
		chunk := iovec.Take(iovec.Skip(dst, got), want-got)
		n, err := unix.Preadv(fd, chunk, off+int64(got))
		if n > 0 {
			got += n
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return got, err
		}
		if n == 0 {
			break
		}
	}
	return got, nil
}
