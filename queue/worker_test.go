package queue

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/virtiofsd-go/virtiofsd/internal/fusewire"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

type fakeSession struct {
	bufSize int
}

func (f *fakeSession) BufferSize() int { return f.bufSize }
func (f *fakeSession) Process(hdr []byte, extra [][]byte, ch *Channel) {}

func writeInHeader(buf []byte, opcode fusewire.Opcode) {
	binary.LittleEndian.PutUint32(buf[4:], uint32(opcode))
}

func TestBuildInputWriteFastPath(t *testing.T) {
	w := NewWorker(&fakeSession{bufSize: 1 << 20}, nil)

	hdr := make([]byte, fusewire.InHeaderSize)
	writeInHeader(hdr, fusewire.OpWrite)
	writeIn := make([]byte, fusewire.WriteInSize)
	payload := []byte("payload bytes go straight through")

	el := &ring.Element{
		Out: []ring.Entry{
			{Data: hdr, Len: uint32(len(hdr))},
			{Data: writeIn, Len: uint32(len(writeIn))},
			{Data: payload, Len: uint32(len(payload))},
		},
	}

	got, extra, err := w.buildInput(el)
	if err != nil {
		t.Fatalf("buildInput: %v", err)
	}
	if len(got) != fusewire.InHeaderSize+fusewire.WriteInSize {
		t.Fatalf("headers length = %d, want %d", len(got), fusewire.InHeaderSize+fusewire.WriteInSize)
	}
	if len(extra) != 1 || string(extra[0]) != string(payload) {
		t.Fatalf("extra = %v, want zero-copy payload", extra)
	}
}

func TestBuildInputReadPassthrough(t *testing.T) {
	w := NewWorker(&fakeSession{bufSize: 1 << 20}, nil)

	hdr := make([]byte, fusewire.InHeaderSize)
	writeInHeader(hdr, fusewire.OpRead)
	readIn := make([]byte, fusewire.ReadInSize)

	el := &ring.Element{
		Out: []ring.Entry{
			{Data: hdr, Len: uint32(len(hdr))},
			{Data: readIn, Len: uint32(len(readIn))},
		},
		In:       []ring.Entry{{Data: nil, GuestAddr: 0x9000, Len: 4096}},
		BadInNum: 1,
	}

	got, extra, err := w.buildInput(el)
	if err != nil {
		t.Fatalf("buildInput: %v", err)
	}
	if len(got) != fusewire.InHeaderSize+fusewire.ReadInSize {
		t.Fatalf("headers length = %d", len(got))
	}
	if extra != nil {
		t.Fatalf("expected no extra segments, got %v", extra)
	}
}

func TestBuildInputGenericGather(t *testing.T) {
	w := NewWorker(&fakeSession{bufSize: 1 << 20}, nil)

	hdr := make([]byte, fusewire.InHeaderSize)
	writeInHeader(hdr, fusewire.OpLookup)
	name := []byte("filename.txt\x00")

	el := &ring.Element{
		Out: []ring.Entry{
			{Data: hdr, Len: uint32(len(hdr))},
			{Data: name, Len: uint32(len(name))},
		},
	}

	got, extra, err := w.buildInput(el)
	if err != nil {
		t.Fatalf("buildInput: %v", err)
	}
	if extra != nil {
		t.Fatalf("generic path should not produce extra segments")
	}
	want := append(append([]byte{}, hdr...), name...)
	if string(got) != string(want) {
		t.Fatalf("gathered buffer mismatch")
	}
}

func TestBuildInputRejectsOversizeRequest(t *testing.T) {
	w := NewWorker(&fakeSession{bufSize: 10}, nil)

	hdr := make([]byte, fusewire.InHeaderSize)
	writeInHeader(hdr, fusewire.OpLookup)
	body := make([]byte, 64)

	el := &ring.Element{
		Out: []ring.Entry{
			{Data: hdr, Len: uint32(len(hdr))},
			{Data: body, Len: uint32(len(body))},
		},
	}

	if _, _, err := w.buildInput(el); err == nil {
		t.Fatalf("expected error for oversize request")
	}
}

func TestHandleProtocolViolationRecyclesDescriptorAndInvokesPanicHook(t *testing.T) {
	// A readable side too short to hold even the in_header is a
	// malformed layout buildInput cannot service.
	q, _, _, ctrl := testRing(t, 4, 64)

	info := NewInfo(0, q, nil)
	req, err := info.Pop()
	if err != nil || req == nil {
		t.Fatalf("Pop: %v %v", req, err)
	}

	var called bool
	var msg string
	w := NewWorker(&fakeSession{bufSize: 1 << 20}, func(format string, args ...interface{}) {
		called = true
		msg = fmt.Sprintf(format, args...)
	})

	if err := w.Handle(req, info); err == nil {
		t.Fatalf("expected a protocol violation error")
	}
	if !called {
		t.Fatalf("expected the panic hook to be invoked on a fatal protocol violation")
	}
	if msg == "" {
		t.Fatalf("expected a non-empty panic message")
	}

	// The descriptor must still be recycled: exactly one push should
	// have advanced the used ring's idx, satisfying "every popped
	// descriptor gets exactly one push" even on a fatal violation.
	if got := usedIdx(ctrl); got != 1 {
		t.Fatalf("used ring idx = %d, want 1 (descriptor not recycled)", got)
	}
}
