package session

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/virtiofsd-go/virtiofsd/queue"
)

// BusHooks abstracts the virtual-machine bus this device would
// register its PCI shared-memory capabilities against. The host bus
// itself belongs to a hypervisor process this module does not
// implement; BusHooks lets a real integration plug that in while
// keeping the controller's lifecycle testable on its own.
type BusHooks interface {
	// RegisterSharedMemory exposes region as PCI shared-memory
	// capability id capID.
	RegisterSharedMemory(capID int, region []byte) error
	UnregisterSharedMemory(capID int) error
}

// Device owns a Controller's full lifecycle: realize, start (accept
// and run the front channel, in its own goroutine), stop (kill every
// queue pump), and unrealize (release the DAX cache and version
// table).
type Device struct {
	ctrl *Controller
	bus  BusHooks

	runErr  chan error
	stopped chan struct{}
}

// NewDevice realizes a Controller over opts and binds it to bus.
func NewDevice(opts Options, sess queue.FuseSession, bus BusHooks) (*Device, error) {
	ctrl, err := NewController(opts, sess)
	if err != nil {
		return nil, err
	}
	return &Device{ctrl: ctrl, bus: bus, runErr: make(chan error, 1), stopped: make(chan struct{})}, nil
}

// Controller exposes the underlying session controller, e.g. for
// obtaining a Notifier once the notification queue has started.
func (d *Device) Controller() *Controller { return d.ctrl }

// Start registers the DAX cache (and, if enabled, the version table)
// as PCI shared-memory regions, accepts one front-channel connection,
// and runs its dispatch loop on a new goroutine.
func (d *Device) Start() error {
	if d.ctrl.cache.Enabled() {
		if err := d.bus.RegisterSharedMemory(0, d.ctrl.cache.Base()); err != nil {
			return fmt.Errorf("session: register dax cache: %w", err)
		}
	}
	if d.ctrl.vtable != nil {
		if err := d.bus.RegisterSharedMemory(1, d.ctrl.vtable.Bytes()); err != nil {
			return fmt.Errorf("session: register version table: %w", err)
		}
	}

	if err := d.ctrl.Accept(); err != nil {
		return err
	}

	go func() {
		err := d.ctrl.Run()
		select {
		case d.runErr <- err:
		default:
		}
		close(d.stopped)
	}()
	return nil
}

// Wait blocks until the dispatch loop exits (the guest disconnected,
// or a fatal protocol violation occurred) and returns its error.
func (d *Device) Wait() error {
	<-d.stopped
	return <-d.runErr
}

// Stop kills every queue pump and closes the front-channel connection.
// It is safe to call after Wait has already returned.
func (d *Device) Stop() error {
	for _, s := range d.ctrl.slots {
		unix.Write(s.q.KillFD, []byte{1, 0, 0, 0, 0, 0, 0, 0}) //nolint:errcheck
	}
	d.ctrl.pool.Close()
	if d.ctrl.conn != nil {
		return d.ctrl.conn.Close()
	}
	return nil
}

// Unrealize releases the DAX cache window, the version table, and
// unregisters both from the bus. Call after Stop.
func (d *Device) Unrealize() error {
	if d.ctrl.cache.Enabled() {
		d.bus.UnregisterSharedMemory(0) //nolint:errcheck
	}
	if d.ctrl.vtable != nil {
		d.bus.UnregisterSharedMemory(1) //nolint:errcheck
		d.ctrl.vtable.Close()           //nolint:errcheck
	}
	return d.ctrl.cache.Close()
}
