package ring

import "golang.org/x/sys/unix"

// PollEvent is the outcome of a two-fd ppoll wait.
type PollEvent int

const (
	PollNone PollEvent = iota
	PollKick
	PollKill
	PollError
)

// PpollTwo blocks until kickFD or killFD becomes readable or errors,
// restarting transparently on EINTR: ppoll over {kick_fd, kill_fd}
// with no timeout.
func PpollTwo(kickFD, killFD int) (PollEvent, error) {
	fds := []unix.PollFd{
		{Fd: int32(kickFD), Events: unix.POLLIN},
		{Fd: int32(killFD), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Ppoll(fds, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return PollError, err
		}
		break
	}

	if fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
		return PollKill, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return PollError, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		return PollKick, nil
	}
	return PollNone, nil
}
