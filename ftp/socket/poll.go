package socket

import (
	"time"

	"golang.org/x/sys/unix"
)

// Event bits re-exported so callers do not need unix directly.
const (
	PollIn  = unix.POLLIN
	PollPri = unix.POLLPRI
	PollOut = unix.POLLOUT
	PollErr = unix.POLLERR
	PollHup = unix.POLLHUP

	ShutWR = unix.SHUT_WR
)

// PollInfo pairs a socket with the events to wait for; REvents holds
// the result after Poll returns.
type PollInfo struct {
	Socket  *Socket
	Events  int16
	REvents int16
}

// Poll waits for events on all sockets, up to timeout. EINTR is
// reported as zero events rather than an error.
func Poll(infos []PollInfo, timeout time.Duration) (int, error) {
	if len(infos) == 0 {
		return 0, nil
	}

	fds := make([]unix.PollFd, len(infos))
	for i := range infos {
		fds[i] = unix.PollFd{
			Fd:     int32(infos[i].Socket.fd),
			Events: infos[i].Events,
		}
		infos[i].REvents = 0
	}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	for i := range infos {
		infos[i].REvents = fds[i].Revents
	}

	return n, nil
}
