package session

import (
	"fmt"
	"net"
	"os"
)

// fileConnFromFD wraps an inherited file descriptor (received over
// SCM_RIGHTS) as a *net.UnixConn, the way the daemon turns
// SET_BACKEND_REQ_FD's fd into a usable backend.Client transport.
func fileConnFromFD(fd int, name string) (*os.File, *net.UnixConn, error) {
	file := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, nil, fmt.Errorf("session: fd %d as conn: %w", fd, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, nil, fmt.Errorf("session: fd %d is not a unix socket", fd)
	}
	return file, uc, nil
}
