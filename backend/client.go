// Package backend implements the slave-channel (back-channel) client
// the queue worker uses to ask the device to MAP, UNMAP, SYNC or IO
// ranges of the DAX cache window.
//
// The wire framing mirrors the front-channel one in
// internal/govhost/protocol.go and the read/write pattern in
// vhostuser.Server.oneRequest: a fixed Header, an optional fixed-size
// payload, and — for MAP and IO — one file descriptor passed as
// ancillary (SCM_RIGHTS) data.
package backend

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
)

// Client issues MAP/UNMAP/SYNC/IO RPCs over a connected back-channel
// socket. It is safe for concurrent use by multiple queue workers; each
// call is a synchronous round trip guarded by a mutex, matching the
// spec's "no operation carries a timeout" / no pipelining model.
type Client struct {
	conn *net.UnixConn
	mu   sync.Mutex
}

// NewClient wraps an already-connected back-channel socket.
func NewClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn}
}

const headerSize = int(unsafe.Sizeof(govhost.Header{}))
const msgSize = int(unsafe.Sizeof(govhost.BackendMsg{}))

func encodeMsg(msg *govhost.BackendMsg) []byte {
	buf := make([]byte, msgSize)
	for i, e := range msg.Entries {
		off := i * 32
		binary.LittleEndian.PutUint64(buf[off:], e.Flags)
		binary.LittleEndian.PutUint64(buf[off+8:], e.FDOffset)
		binary.LittleEndian.PutUint64(buf[off+16:], e.COffset)
		binary.LittleEndian.PutUint64(buf[off+24:], e.Len)
	}
	return buf
}

func decodeMsg(buf []byte) *govhost.BackendMsg {
	var msg govhost.BackendMsg
	for i := range msg.Entries {
		off := i * 32
		msg.Entries[i] = govhost.BackendMsgEntry{
			Flags:    binary.LittleEndian.Uint64(buf[off:]),
			FDOffset: binary.LittleEndian.Uint64(buf[off+8:]),
			COffset:  binary.LittleEndian.Uint64(buf[off+16:]),
			Len:      binary.LittleEndian.Uint64(buf[off+24:]),
		}
	}
	return &msg
}

// call performs one request/response round trip. fd, when >= 0, is
// passed as SCM_RIGHTS ancillary data alongside the request. The
// signed 64-bit result: negative is an errno-style
// failure, zero or positive is bytes transferred (IO) or zero (others).
func (c *Client) call(request uint32, msg *govhost.BackendMsg, fd int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := encodeMsg(msg)
	hdr := govhost.Header{
		Request: request,
		Size:    uint32(len(payload)),
	}
	hdrBuf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdrBuf[0:], hdr.Request)
	binary.LittleEndian.PutUint32(hdrBuf[4:], hdr.Flags)
	binary.LittleEndian.PutUint32(hdrBuf[8:], hdr.Size)

	out := append(hdrBuf, payload...)

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	if _, _, err := c.conn.WriteMsgUnix(out, oob, nil); err != nil {
		return 0, fmt.Errorf("backend: write %s: %w", govhost.RequestName(request), err)
	}

	var replyHdr [64]byte
	n, _, _, _, err := c.conn.ReadMsgUnix(replyHdr[:], nil)
	if err != nil {
		return 0, fmt.Errorf("backend: read reply header: %w", err)
	}
	if n < headerSize+8 {
		return 0, fmt.Errorf("backend: short reply (%d bytes)", n)
	}
	result := int64(binary.LittleEndian.Uint64(replyHdr[headerSize : headerSize+8]))
	return result, nil
}

// Map splices ranges of fd into the cache at the offsets in msg with
// read/write permissions per each entry's flags.
//
// When the device reports a negative result, Map sends a best-effort
// UNMAP over the same message (its result is ignored) and then
// returns the original failing result.
func (c *Client) Map(msg *govhost.BackendMsg, fd int) (int64, error) {
	res, err := c.call(govhost.BackendReqMap, msg, fd)
	if err == nil && res < 0 {
		c.call(govhost.BackendReqUnmap, msg, -1) //nolint:errcheck // best-effort rollback
	}
	return res, err
}

// Unmap restores anonymous PROT_NONE pages over the cache ranges in
// msg. len == ~0 on an entry means "the entire cache".
func (c *Client) Unmap(msg *govhost.BackendMsg) (int64, error) {
	return c.call(govhost.BackendReqUnmap, msg, -1)
}

// Sync flushes dirty cache pages backing the ranges in msg (MS_SYNC).
func (c *Client) Sync(msg *govhost.BackendMsg) (int64, error) {
	return c.call(govhost.BackendReqSync, msg, -1)
}

// IO transfers bytes between fd and the guest physical addresses named
// by msg, in the direction given by each entry's R/W flag. fd travels
// as SCM_RIGHTS, so the device receives its own copy and closes that
// copy once the call completes; IO does not close the caller's fd,
// which stays usable for further calls.
func (c *Client) IO(msg *govhost.BackendMsg, fd int) (int64, error) {
	return c.call(govhost.BackendReqIO, msg, fd)
}
