package queue

import (
	"errors"
	"fmt"
	"log"

	"github.com/virtiofsd-go/virtiofsd/internal/fusewire"
	"github.com/virtiofsd-go/virtiofsd/iovec"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

// Worker turns one popped descriptor chain into a FuseSession.Process
// call, choosing among three input-reconstruction strategies depending
// on how much of the chain is directly addressable daemon memory.
type Worker struct {
	session FuseSession
	panicf  func(format string, args ...interface{})
}

// NewWorker builds a Worker delegating request handling to session. On
// a fatal protocol violation it calls panicf instead of returning
// quietly; a nil panicf defaults to log.Panicf, so the process actually
// stops unless a caller supplies a test-friendly hook.
func NewWorker(session FuseSession, panicf func(format string, args ...interface{})) *Worker {
	if panicf == nil {
		panicf = log.Panicf
	}
	return &Worker{session: session, panicf: panicf}
}

// Handle services one request end to end: it reconstructs the FUSE
// input, calls the session, and — if the session never replies (a
// FORGET-style opcode) — retires the descriptor chain itself with a
// zero-length reply.
//
// A malformed or unrecognized descriptor layout is fatal: the
// descriptor is still recycled (every popped descriptor gets exactly
// one push, whether or not the request was serviceable) but the
// session is then torn down via panicf rather than left running against
// a guest it can no longer trust.
func (w *Worker) Handle(req *Request, info *Info) error {
	ch := newChannel(req, info)

	hdr, extra, err := w.buildInput(req.el)
	if err != nil {
		info.complete(req, 0) //nolint:errcheck // recycle the descriptor even on a fatal violation
		if errors.Is(err, ErrProtocolViolation) {
			w.panicf("queue[%d]: fatal protocol violation: %v", info.Index, err)
		}
		return err
	}

	w.session.Process(hdr, extra, ch)

	if !req.hasReplied() {
		return info.complete(req, 0)
	}
	return nil
}

// buildInput picks one of three strategies for exposing a descriptor
// chain's readable ("Out") bytes to the session, ordered from
// cheapest to most general:
//
//  1. WRITE fast path: the chain is entirely mappable and shaped as
//     [in_header][write_in][payload...]; the payload segments are
//     passed to the session as zero-copy slices instead of being
//     copied into a bounce buffer.
//  2. READ passthrough: the chain's readable side is just a two-entry
//     [in_header][read_in] header with no payload, and its writable
//     side (the reply sink) has an unmappable trailing run. The
//     session replies with SendReplyDataIov, which fills that run via
//     the IO backend RPC without ever routing the data through daemon
//     memory.
//  3. Generic: gather every readable byte into one bounce buffer.
func (w *Worker) buildInput(el *ring.Element) (hdr []byte, extra [][]byte, err error) {
	if len(el.Out) == 0 {
		return nil, nil, fmt.Errorf("queue: %w: empty readable side", ErrProtocolViolation)
	}
	if el.Out[0].Data == nil || len(el.Out[0].Data) < fusewire.InHeaderSize {
		return nil, nil, fmt.Errorf("queue: %w: in_header not mappable", ErrProtocolViolation)
	}
	in := fusewire.DecodeInHeader(el.Out[0].Data)

	var outLen uint32
	for _, e := range el.Out {
		outLen += e.Len
	}
	if int(outLen) > w.session.BufferSize() {
		return nil, nil, fmt.Errorf("queue: %w: request %d exceeds buffer size %d", ErrProtocolViolation, outLen, w.session.BufferSize())
	}

	if in.Opcode == fusewire.OpWrite && el.BadOutNum == 0 && len(el.Out) > 2 {
		return w.buildWriteFastPath(el)
	}
	if in.Opcode == fusewire.OpRead && el.BadInNum > 0 && len(el.Out) == 2 {
		return w.buildReadPassthrough(el)
	}
	return w.buildGeneric(el)
}

func (w *Worker) buildWriteFastPath(el *ring.Element) ([]byte, [][]byte, error) {
	if len(el.Out[0].Data) < fusewire.InHeaderSize || len(el.Out[1].Data) < fusewire.WriteInSize {
		return nil, nil, fmt.Errorf("queue: %w: malformed write headers", ErrProtocolViolation)
	}
	headers := make([]byte, fusewire.InHeaderSize+fusewire.WriteInSize)
	copy(headers, el.Out[0].Data[:fusewire.InHeaderSize])
	copy(headers[fusewire.InHeaderSize:], el.Out[1].Data[:fusewire.WriteInSize])

	extra := make([][]byte, len(el.Out)-2)
	for i, e := range el.Out[2:] {
		extra[i] = e.Data
	}
	return headers, extra, nil
}

func (w *Worker) buildReadPassthrough(el *ring.Element) ([]byte, [][]byte, error) {
	if len(el.Out[0].Data) < fusewire.InHeaderSize || len(el.Out[1].Data) < fusewire.ReadInSize {
		return nil, nil, fmt.Errorf("queue: %w: malformed read headers", ErrProtocolViolation)
	}
	headers := make([]byte, fusewire.InHeaderSize+fusewire.ReadInSize)
	copy(headers, el.Out[0].Data[:fusewire.InHeaderSize])
	copy(headers[fusewire.InHeaderSize:], el.Out[1].Data[:fusewire.ReadInSize])
	return headers, nil, nil
}

func (w *Worker) buildGeneric(el *ring.Element) ([]byte, [][]byte, error) {
	if el.BadOutNum > 0 || el.BadInNum > 0 {
		return nil, nil, fmt.Errorf("queue: %w: unmappable entries outside the READ/WRITE fast paths", ErrProtocolViolation)
	}
	src := make([][]byte, len(el.Out))
	for i, e := range el.Out {
		src[i] = e.Data
	}
	n := iovec.TotalLen(src)
	if n > w.session.BufferSize() {
		return nil, nil, fmt.Errorf("queue: %w: request %d exceeds buffer size %d", ErrProtocolViolation, n, w.session.BufferSize())
	}
	buf := make([]byte, n)
	iovec.Gather(src, buf)
	return buf, nil, nil
}
