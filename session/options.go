// Package session implements the vhost-user session controller: it
// realizes a listen socket into a live front-channel connection,
// negotiates features, maps memory and virtqueues, and starts the
// queue pumps and pool that drive requests into a FuseSession.
package session

import (
	"log"

	"github.com/virtiofsd-go/virtiofsd/daxcache"
)

// Options configures a Controller at realize time.
type Options struct {
	SocketPath string
	Tag        string

	QueueSize        int
	NumRequestQueues int
	ThreadPoolSize   int
	NotifyBufSize    int

	Cache daxcache.Options

	// VersionTable enables the PCI shared-memory capability id 1
	// migration-compatibility region alongside the DAX cache window.
	VersionTable bool

	Logger *log.Logger

	// Panic is called instead of panic() on an unrecoverable protocol
	// violation, so callers can substitute a test-friendly hook.
	Panic func(format string, args ...interface{})
}

func (o *Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o *Options) panicf(format string, args ...interface{}) {
	if o.Panic != nil {
		o.Panic(format, args...)
		return
	}
	o.logger().Panicf(format, args...)
}
