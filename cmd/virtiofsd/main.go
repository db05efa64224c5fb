// Command virtiofsd bridges a guest virtio-fs device to a file server
// process over the vhost-user protocol: it accepts one front-channel
// connection, negotiates features and memory, and pumps FUSE requests
// out of shared virtqueues into a FuseSession.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/syslog"
	"os"

	"github.com/virtiofsd-go/virtiofsd/daxcache"
	"github.com/virtiofsd-go/virtiofsd/internal/fusewire"
	"github.com/virtiofsd-go/virtiofsd/queue"
	"github.com/virtiofsd-go/virtiofsd/session"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	socketPath := flag.String("socket-path", "", "vhost-user front-channel unix socket path")
	sharedDir := flag.String("shared-dir", "", "directory exported to the guest")
	tag := flag.String("tag", "myfs", "virtio-fs mount tag advertised via GET_CONFIG")
	queueSize := flag.Int("queue-size", 1024, "number of descriptors per virtqueue")
	numRequestQueues := flag.Int("num-request-queues", 1, "number of FUSE request virtqueues")
	cacheSize := flag.Uint64("cache-size", 0, "DAX cache window size in bytes (0 disables DAX)")
	threadPoolSize := flag.Int("thread-pool-size", 64, "maximum concurrently in-flight requests")
	notifyBufSize := flag.Int("notify-buf-size", 16, "number of buffered notification-queue descriptors")
	versionTable := flag.Bool("versiontable", false, "expose the PCI shared-memory version-table capability")
	printCapabilities := flag.Bool("print-capabilities", false, "print backing-filesystem diagnostics and exit")
	useSyslog := flag.Bool("syslog", false, "send log output to syslog instead of stderr")
	pidFile := flag.String("pid-file", "", "write the daemon's pid to this path and hold an exclusive lock on it")
	flag.Parse()

	logger := log.Default()
	if *useSyslog {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "virtiofsd")
		if err != nil {
			log.Fatalf("virtiofsd: syslog: %v", err)
		}
		logger = log.New(w, "", 0)
	}

	if *printCapabilities {
		dir := *sharedDir
		if dir == "" {
			dir = "."
		}
		warning, err := daxcache.Diagnose(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "virtiofsd: diagnose %s: %v\n", dir, err)
			os.Exit(1)
		}
		if warning != "" {
			fmt.Println(warning)
		} else {
			fmt.Printf("%s: no known DAX caveats\n", dir)
		}
		return
	}

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "virtiofsd: -socket-path is required")
		os.Exit(2)
	}

	if *pidFile != "" {
		pf, err := session.AcquirePIDFile(*pidFile)
		if err != nil {
			logger.Fatalf("virtiofsd: %v", err)
		}
		defer pf.Release(*pidFile)
	}

	opts := session.Options{
		SocketPath:       *socketPath,
		Tag:              *tag,
		QueueSize:        *queueSize,
		NumRequestQueues: *numRequestQueues,
		ThreadPoolSize:   *threadPoolSize,
		NotifyBufSize:    *notifyBufSize,
		Cache:            daxcache.Options{Size: *cacheSize, Logger: logger},
		VersionTable:     *versionTable,
		Logger:           logger,
	}

	dev, err := session.NewDevice(opts, &stubSession{}, noopBus{})
	if err != nil {
		logger.Fatalf("virtiofsd: %v", err)
	}
	logger.Printf("virtiofsd: waiting for a connection on %s", *socketPath)
	if err := dev.Start(); err != nil {
		logger.Fatalf("virtiofsd: %v", err)
	}
	if err := dev.Wait(); err != nil {
		logger.Printf("virtiofsd: session ended: %v", err)
	}
	dev.Stop()      //nolint:errcheck
	dev.Unrealize() //nolint:errcheck
}

// noopBus is a BusHooks that accepts shared-memory registration without
// wiring it to any real hypervisor bus, for standalone use where the
// vhost-user front end learns about DAX regions some other way (e.g.
// pre-shared memory-mapped files) rather than through PCI capabilities
// this process would register itself.
type noopBus struct{}

func (noopBus) RegisterSharedMemory(capID int, region []byte) error { return nil }
func (noopBus) UnregisterSharedMemory(capID int) error              { return nil }

// stubSession is a minimal FuseSession: it negotiates INIT and replies
// ENOSYS to everything else. Reconstructing full FUSE filesystem
// semantics from the wire opcodes is a different concern than the
// vhost-user transport this daemon implements; a real deployment
// plugs in a session that dispatches to an actual filesystem.
type stubSession struct{}

const enosys = -38

func (s *stubSession) BufferSize() int { return 1 << 20 }

func (s *stubSession) Process(hdr []byte, extra [][]byte, ch *queue.Channel) {
	if len(hdr) < fusewire.InHeaderSize {
		return
	}
	in := fusewire.DecodeInHeader(hdr)

	out := make([]byte, fusewire.OutHeaderSize)
	fusewire.EncodeOutHeader(out, &fusewire.OutHeader{
		Len:    uint32(fusewire.OutHeaderSize),
		Unique: in.Unique,
		Error:  enosys,
	})
	if in.Opcode == fusewire.OpInit {
		// A real session negotiates kernel/daemon capability flags
		// here; the stub just acknowledges with success and no
		// payload beyond the header so a guest kernel does not spin
		// retrying INIT.
		fusewire.EncodeOutHeader(out, &fusewire.OutHeader{
			Len:    uint32(fusewire.OutHeaderSize),
			Unique: in.Unique,
			Error:  0,
		})
	}
	if err := ch.SendReplyIov([][]byte{out}); err != nil {
		log.Printf("virtiofsd: reply: %v", err)
	}
}
