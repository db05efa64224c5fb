package session

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/backend"
	"github.com/virtiofsd-go/virtiofsd/daxcache"
	"github.com/virtiofsd-go/virtiofsd/internal/govhost"
	"github.com/virtiofsd-go/virtiofsd/queue"
	"github.com/virtiofsd-go/virtiofsd/ring"
)

// Predeclared virtqueue indices, matching the vhost-user virtio-fs
// convention of hiprio at 0 and notification at 1; request queues
// follow starting at index 2.
const (
	hiprioQueueIndex = 0
	notifyQueueIndex = 1
)

// queueSlot is one predeclared virtqueue's runtime state: its ring
// bookkeeping plus whatever the pump goroutine needs once started.
type queueSlot struct {
	q       *ring.Queue
	info    *queue.Info
	started bool
	pump    *queue.Pump       // hi-prio and request queues
	notify  *queue.NotifyPump // the notification queue (index 1)
}

// Controller is the vhost-user session controller: it owns the
// front-channel connection, the negotiated feature set, the memory
// and virtqueue tables, and the queue pumps/pool once they start.
//
// mu is the dispatch lock: control-plane handlers that remap memory or
// rings (ADD_MEM_REG, SET_VRING_ADDR) take it for writing, while every
// queue's Pop/complete take it for reading via queue.Info.SessionLock,
// so a live pop/push can never straddle a remap.
type Controller struct {
	opts Options
	conn *net.UnixConn

	mu     sync.RWMutex
	mem    *ring.MemTable
	slots  []*queueSlot
	cache  *daxcache.Cache
	vtable *daxcache.VersionTable

	features      uint64
	protoFeatures uint64
	backendReqFD  int
	backendClient *backend.Client

	session queue.FuseSession
	pool    *queue.Pool

	guestRegions []daxcache.GuestRegion
}

// NewController allocates a controller for opts, realizing the DAX
// cache window (and, if enabled, the version table) up front so their
// realize-time errors surface before a guest ever connects.
func NewController(opts Options, sess queue.FuseSession) (*Controller, error) {
	opts.Cache.Logger = opts.logger()
	cache, err := daxcache.New(opts.Cache)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:         opts,
		mem:          &ring.MemTable{},
		cache:        cache,
		session:      sess,
		backendReqFD: -1,
	}

	if opts.VersionTable {
		vt, err := daxcache.NewVersionTable(1)
		if err != nil {
			cache.Close()
			return nil, err
		}
		c.vtable = vt
	}

	// Queue topology matches the vhost-user virtio-fs convention: index 0
	// is the hi-prio queue, index 1 is the notification queue, and the
	// remaining indices are the ordinary request queues.
	numQueues := opts.NumRequestQueues + 2 // hiprio + notification
	c.slots = make([]*queueSlot, numQueues)
	for i := range c.slots {
		q := ring.NewQueue(opts.QueueSize, c.mem)
		killFD, err := ring.NewKillEventfd()
		if err != nil {
			return nil, fmt.Errorf("session: kill eventfd: %w", err)
		}
		q.KillFD = killFD
		info := queue.NewInfo(i, q, nil)
		info.SessionLock = &c.mu
		c.slots[i] = &queueSlot{q: q, info: info}
	}

	worker := queue.NewWorker(sess, c.opts.panicf)
	c.pool = queue.NewPool(opts.ThreadPoolSize, opts.ThreadPoolSize*4, worker, opts.logger())
	return c, nil
}

// Accept blocks on a listener at opts.SocketPath for a single incoming
// front-channel connection, matching the "one guest per daemon
// instance" model of the vhost-user backend program.
func (c *Controller) Accept() error {
	unix.Unlink(c.opts.SocketPath) //nolint:errcheck
	l, err := net.Listen("unix", c.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("session: listen %s: %w", c.opts.SocketPath, err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("session: accept: %w", err)
	}
	c.conn = conn.(*net.UnixConn)
	return nil
}

const hdrSize = int(unsafe.Sizeof(govhost.Header{}))

// Run reads and dispatches front-channel requests until the connection
// closes or a fatal protocol violation occurs.
func (c *Controller) Run() error {
	for {
		if err := c.oneRequest(); err != nil {
			return err
		}
	}
}

func (c *Controller) oneRequest() error {
	var inBuf, oobBuf [4096]byte

	n, oobN, _, _, err := c.conn.ReadMsgUnix(inBuf[:hdrSize], oobBuf[:])
	if err != nil {
		return err
	}
	if n < hdrSize {
		return fmt.Errorf("session: short header (%d bytes)", n)
	}
	hdr := govhost.Header{
		Request: binary.LittleEndian.Uint32(inBuf[0:]),
		Flags:   binary.LittleEndian.Uint32(inBuf[4:]),
		Size:    binary.LittleEndian.Uint32(inBuf[8:]),
	}

	var fds []int
	if oobN > 0 {
		fds, err = parseFDs(oobBuf[:oobN])
		if err != nil {
			return err
		}
	}

	if hdr.Size > 0 {
		if _, _, _, _, err := c.conn.ReadMsgUnix(inBuf[hdrSize:hdrSize+int(hdr.Size)], nil); err != nil {
			return err
		}
	}
	payload := inBuf[hdrSize : hdrSize+int(hdr.Size)]
	needReply := hdr.Flags&govhost.FlagsNeedReply != 0

	replyPayload, dispatchErr := c.dispatch(hdr.Request, payload, fds)

	if !needReply && replyPayload == nil {
		return nil
	}
	if replyPayload == nil {
		v := uint64(0)
		if dispatchErr != nil {
			v = 1
			c.opts.logger().Printf("session: %s: %v", govhost.RequestName(hdr.Request), dispatchErr)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		replyPayload = buf
	} else if dispatchErr != nil {
		c.opts.logger().Printf("session: %s: %v", govhost.RequestName(hdr.Request), dispatchErr)
	}

	return c.reply(hdr.Request, replyPayload)
}

func parseFDs(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		f, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, err
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

func (c *Controller) reply(request uint32, payload []byte) error {
	hdr := make([]byte, hdrSize)
	binary.LittleEndian.PutUint32(hdr[0:], request)
	binary.LittleEndian.PutUint32(hdr[4:], govhost.FlagsReply)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(payload)))
	_, err := c.conn.Write(append(hdr, payload...))
	return err
}

// dispatch handles one front-channel request and returns its reply
// payload, or nil for requests with no natural reply body. Only
// ADD_MEM_REG and SET_VRING_ADDR take the dispatch lock (for writing);
// every other request is handled without holding it.
func (c *Controller) dispatch(request uint32, payload []byte, fds []int) ([]byte, error) {
	switch request {
	case govhost.ReqGetFeatures:
		return u64Reply(c.features | govhost.FeatVersion1 | govhost.FeatProtocolFeature | govhost.FeatFSNotification), nil

	case govhost.ReqSetFeatures:
		c.features = readU64(payload)
		return nil, nil

	case govhost.ReqGetProtocolFeatures:
		return u64Reply(govhost.ProtocolFeatureMQ | govhost.ProtocolFeatureConfig), nil

	case govhost.ReqSetProtocolFeatures:
		c.protoFeatures = readU64(payload)
		return nil, nil

	case govhost.ReqSetOwner:
		return nil, nil

	case govhost.ReqGetQueueNum:
		return u64Reply(uint64(len(c.slots))), nil

	case govhost.ReqGetMaxMemSlots:
		return u64Reply(64), nil

	case govhost.ReqSetBackendReqFD:
		if len(fds) != 1 {
			return nil, fmt.Errorf("session: SET_BACKEND_REQ_FD needs one fd, got %d", len(fds))
		}
		return nil, c.setBackendReqFD(fds[0])

	case govhost.ReqAddMemReg:
		if len(fds) != 1 {
			return nil, fmt.Errorf("session: ADD_MEM_REG needs one fd, got %d", len(fds))
		}
		return nil, c.addMemReg(payload, fds[0])

	case govhost.ReqSetVringNum:
		idx, val := readVringState(payload)
		return nil, c.withSlot(idx, func(s *queueSlot) error {
			s.q.Num = int(val)
			return nil
		})

	case govhost.ReqSetVringBase:
		idx, _ := readVringState(payload)
		return nil, c.withSlot(idx, func(s *queueSlot) error { return nil })

	case govhost.ReqSetVringEnable:
		idx, enable := readVringState(payload)
		return nil, c.withSlot(idx, func(s *queueSlot) error {
			if enable != 0 {
				return c.startQueue(s)
			}
			return c.stopQueue(s)
		})

	case govhost.ReqSetVringAddr:
		return nil, c.setVringAddr(payload)

	case govhost.ReqSetVringKick:
		idx := readU64(payload)
		if len(fds) != 1 {
			return nil, fmt.Errorf("session: SET_VRING_KICK needs one fd")
		}
		return nil, c.withSlot(uint32(idx), func(s *queueSlot) error {
			s.q.KickFD = fds[0]
			return nil
		})

	case govhost.ReqSetVringCall:
		idx := readU64(payload)
		if len(fds) != 1 {
			return nil, fmt.Errorf("session: SET_VRING_CALL needs one fd")
		}
		return nil, c.withSlot(uint32(idx), func(s *queueSlot) error {
			s.q.CallFD = fds[0]
			return nil
		})

	case govhost.ReqSetVringErr:
		return nil, nil

	case govhost.ReqGetConfig:
		return c.getConfig(), nil

	default:
		c.opts.logger().Printf("session: unhandled request %s", govhost.RequestName(request))
		return nil, nil
	}
}

func (c *Controller) withSlot(idx uint32, fn func(*queueSlot) error) error {
	if int(idx) >= len(c.slots) {
		return fmt.Errorf("session: queue index %d out of range", idx)
	}
	return fn(c.slots[idx])
}

func (c *Controller) setBackendReqFD(fd int) error {
	c.backendReqFD = fd
	_, conn, err := fileConnFromFD(fd, "backend-req")
	if err != nil {
		return err
	}
	c.backendClient = backend.NewClient(conn)
	for _, s := range c.slots {
		s.info.Backend = c.backendClient
	}
	return nil
}

func (c *Controller) addMemReg(payload []byte, fd int) error {
	if len(payload) < 32 {
		return fmt.Errorf("session: short ADD_MEM_REG payload")
	}
	region := govhost.MemoryRegion{
		GuestPhysAddr: binary.LittleEndian.Uint64(payload[0:]),
		MemorySize:    binary.LittleEndian.Uint64(payload[8:]),
		UserAddr:      binary.LittleEndian.Uint64(payload[16:]),
		MmapOffset:    binary.LittleEndian.Uint64(payload[24:]),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mapped, err := ring.MapFD(fd, region.GuestPhysAddr, region.UserAddr, region.MemorySize, region.MmapOffset)
	if err != nil {
		return fmt.Errorf("session: mmap memory region: %w", err)
	}
	c.mem.Add(mapped)

	c.guestRegions = append(c.guestRegions, daxcache.GuestRegion{
		GuestPhysAddr: region.GuestPhysAddr,
		Size:          region.MemorySize,
		Host:          mapped.Host,
		Writable:      true,
	})
	c.cache.SetGuestRegions(c.guestRegions)
	return nil
}

func (c *Controller) setVringAddr(payload []byte) error {
	if len(payload) < 40 {
		return fmt.Errorf("session: short SET_VRING_ADDR payload")
	}
	addr := govhost.VringAddr{
		Index:         binary.LittleEndian.Uint32(payload[0:]),
		Flags:         binary.LittleEndian.Uint32(payload[4:]),
		DescUserAddr:  binary.LittleEndian.Uint64(payload[8:]),
		UsedUserAddr:  binary.LittleEndian.Uint64(payload[16:]),
		AvailUserAddr: binary.LittleEndian.Uint64(payload[24:]),
		LogGuestAddr:  binary.LittleEndian.Uint64(payload[32:]),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.withSlot(addr.Index, func(s *queueSlot) error {
		return s.q.MapRing(addr)
	})
}

// startQueue starts a queue's pump goroutine the first time the front
// end enables it (queue_set_started, in the vhost-user callback
// table's terms).
func (c *Controller) startQueue(s *queueSlot) error {
	if s.started {
		return nil
	}
	s.started = true

	if s.info.Index == notifyQueueIndex {
		s.notify = queue.NewNotifyPump(s.info, c.opts.NotifyBufSize, c.opts.logger())
		go s.notify.Run()
		return nil
	}
	s.pump = queue.NewPump(s.info, c.pool, c.opts.logger())
	go s.pump.Run()
	return nil
}

// stopQueue implements the disable direction of queue_set_started: it
// signals the queue's kill eventfd, joins its pump goroutine, waits for
// the shared worker pool to finish any request already dispatched from
// this (or any other) queue, and replaces the eventfd so the queue can
// be started again later. The slot itself is kept (Go's queueSlot has
// no separate destructor to run); only the running pump/notify state is
// torn down.
func (c *Controller) stopQueue(s *queueSlot) error {
	if !s.started {
		return nil
	}

	if err := ring.Kill(s.q.KillFD); err != nil {
		return fmt.Errorf("session: signal queue[%d] kill eventfd: %w", s.info.Index, err)
	}
	if s.pump != nil {
		<-s.pump.Done()
	}
	if s.notify != nil {
		<-s.notify.Done()
	}
	c.pool.Wait()
	unix.Close(s.q.KillFD)

	killFD, err := ring.NewKillEventfd()
	if err != nil {
		return fmt.Errorf("session: queue[%d] kill eventfd: %w", s.info.Index, err)
	}
	s.q.KillFD = killFD
	s.pump = nil
	s.notify = nil
	s.started = false
	return nil
}

func (c *Controller) getConfig() []byte {
	var cfg govhost.FSConfig
	copy(cfg.Tag[:], c.opts.Tag)
	cfg.NumRequestQueues = uint32(c.opts.NumRequestQueues)
	cfg.NotifyBufSize = uint32(c.opts.NotifyBufSize)
	buf := make([]byte, unsafe.Sizeof(cfg))
	copy(buf, cfg.Tag[:])
	binary.LittleEndian.PutUint32(buf[36:], cfg.NumRequestQueues)
	binary.LittleEndian.PutUint32(buf[40:], cfg.NotifyBufSize)
	return buf
}

// Notifier returns a sender bound to the notification queue, once it
// has been started by the front end.
func (c *Controller) Notifier() (*queue.Notifier, error) {
	nq := c.slots[notifyQueueIndex]
	if nq.notify == nil {
		return nil, fmt.Errorf("session: notification queue not started yet")
	}
	return queue.NewNotifier(nq.notify, nq.info), nil
}

func u64Reply(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func readU64(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(payload)
}

func readVringState(payload []byte) (uint32, uint32) {
	if len(payload) < 8 {
		return 0, 0
	}
	return binary.LittleEndian.Uint32(payload[0:]), binary.LittleEndian.Uint32(payload[4:])
}
