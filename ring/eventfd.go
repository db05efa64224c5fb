package ring

import "golang.org/x/sys/unix"

// NewKillEventfd creates a close-on-exec, semaphore-semantics eventfd
// used to terminate a pump thread: written once to make it exit.
func NewKillEventfd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK)
}

// Kill signals a pump thread to exit by writing to its kill eventfd.
func Kill(fd int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}

// DrainKick reads and discards a kick eventfd's counter, the way a
// pump does after ppoll reports POLLIN on it.
func DrainKick(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}
