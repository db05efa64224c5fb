package session

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PIDFile is an exclusively-locked file recording the owning process's
// PID, used to refuse a second daemon instance against the same
// socket path.
type PIDFile struct {
	f *os.File
}

// AcquirePIDFile opens (creating if needed) and flock(LOCK_EX|LOCK_NB)s
// path, writing the current PID on success. It returns an error if
// another process already holds the lock.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("session: open pidfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("session: another instance holds %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}
	return &PIDFile{f: f}, nil
}

// Release unlocks and removes the pidfile.
func (p *PIDFile) Release(path string) error {
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN) //nolint:errcheck
	err := p.f.Close()
	os.Remove(path) //nolint:errcheck
	return err
}
