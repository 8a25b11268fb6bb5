// Package socket wraps non-blocking IPv4 stream sockets with the poll
// driven I/O shape the scheduler needs. All calls translate directly to
// syscalls via golang.org/x/sys/unix; nothing here blocks except Poll.
package socket

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/R-YaTian/ftpd/ftp/ringbuffer"
)

// Socket is a non-blocking IPv4 stream socket.
type Socket struct {
	fd     int
	closed bool
}

// Create creates a new stream socket.
func Create() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	return &Socket{fd: fd}, nil
}

// Pair creates a connected socket pair (tests and loopback plumbing).
func Pair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	return &Socket{fd: fds[0]}, &Socket{fd: fds[1]}, nil
}

// FD returns the underlying file descriptor.
func (s *Socket) FD() int {
	return s.fd
}

// Bind binds the socket to addr.
func (s *Socket) Bind(addr *unix.SockaddrInet4) error {
	return unix.Bind(s.fd, addr)
}

// Listen starts listening with the given backlog.
func (s *Socket) Listen(backlog int) error {
	return unix.Listen(s.fd, backlog)
}

// Accept accepts a pending connection. The returned socket is already
// non-blocking.
func (s *Socket) Accept() (*Socket, error) {
	fd, sa, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}

	peer := &Socket{fd: fd}

	log.WithFields(log.Fields{
		"peer": SockaddrString(sa),
	}).Info("socket::Socket::Accept accepted connection")

	return peer, nil
}

// Connect initiates a connection. A non-blocking socket typically
// returns EINPROGRESS; completion is signalled by POLLOUT.
func (s *Socket) Connect(addr *unix.SockaddrInet4) error {
	return unix.Connect(s.fd, addr)
}

// Read fills the buffer's free region. It returns 0, nil on peer
// close and 0, EAGAIN when no data is available.
func (s *Socket) Read(rb *ringbuffer.RingBuffer) (int, error) {
	free := rb.FreeSlice()
	if len(free) == 0 {
		return 0, unix.ENOMEM
	}

	n, err := unix.Read(s.fd, free)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}

	rb.MarkUsed(n)
	return n, nil
}

// ReadOOB reads a single byte of out-of-band data (Telnet Synch).
func (s *Socket) ReadOOB() (int, error) {
	var oob [1]byte

	n, _, err := unix.Recvfrom(s.fd, oob[:], unix.MSG_OOB)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// Write drains the buffer's used region into the socket, freeing
// whatever was accepted. It returns 0, EAGAIN when the socket would
// block.
func (s *Socket) Write(rb *ringbuffer.RingBuffer) (int, error) {
	used := rb.UsedSlice()
	if len(used) == 0 {
		return 0, nil
	}

	n, err := unix.Write(s.fd, used)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		rb.MarkFree(n)
	}

	return n, nil
}

// Shutdown half-closes the socket.
func (s *Socket) Shutdown(how int) error {
	return unix.Shutdown(s.fd, how)
}

// SetNonBlocking puts the socket in non-blocking mode.
func (s *Socket) SetNonBlocking() error {
	return unix.SetNonblock(s.fd, true)
}

// SetLinger configures SO_LINGER.
func (s *Socket) SetLinger(enable bool, timeout time.Duration) error {
	l := &unix.Linger{}
	if enable {
		l.Onoff = 1
	}
	l.Linger = int32(timeout / time.Second)

	return unix.SetsockoptLinger(s.fd, unix.SOL_SOCKET, unix.SO_LINGER, l)
}

// SetReuseAddr enables SO_REUSEADDR.
func (s *Socket) SetReuseAddr() error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetRecvBufferSize sets SO_RCVBUF.
func (s *Socket) SetRecvBufferSize(size int) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

// SetSendBufferSize sets SO_SNDBUF.
func (s *Socket) SetSendBufferSize(size int) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

// AtMark reports whether the read pointer is at the urgent mark.
func (s *Socket) AtMark() (bool, error) {
	v, err := unix.IoctlGetInt(s.fd, unix.SIOCATMARK)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// SockName returns the local address.
func (s *Socket) SockName() (*unix.SockaddrInet4, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, err
	}

	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, unix.EAFNOSUPPORT
	}

	return in4, nil
}

// PeerName returns the remote address.
func (s *Socket) PeerName() (*unix.SockaddrInet4, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, err
	}

	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, unix.EAFNOSUPPORT
	}

	return in4, nil
}

// Close releases the file descriptor.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	return unix.Close(s.fd)
}

// SockaddrString formats an address for logging.
func SockaddrString(sa unix.Sockaddr) string {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "?"
	}

	return fmt.Sprintf("%d.%d.%d.%d:%d",
		in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3], in4.Port)
}
