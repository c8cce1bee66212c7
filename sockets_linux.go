//go:build linux

package uatcp

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// unixSockets implements Sockets on top of golang.org/x/sys/unix.
type unixSockets struct{}

func defaultSockets() Sockets {
	return unixSockets{}
}

func (unixSockets) Socket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
}

func (unixSockets) SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func (unixSockets) SetNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func (unixSockets) SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func (unixSockets) SetRecvTimeout(fd int, timeout time.Duration) error {
	tv := recvTimeval(timeout)
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// recvTimeval converts timeout for SO_RCVTIMEO. A zero timeval means no
// timeout at all, so positive timeouts are rounded up to a microsecond.
func recvTimeval(timeout time.Duration) unix.Timeval {
	if timeout > 0 && timeout < time.Microsecond {
		timeout = time.Microsecond
	}
	return unix.NsecToTimeval(timeout.Nanoseconds())
}

func (unixSockets) Bind(fd int, port int) error {
	return unix.Bind(fd, &unix.SockaddrInet4{Port: port})
}

func (unixSockets) Listen(fd int, backlog int) error {
	return unix.Listen(fd, backlog)
}

func (unixSockets) LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, unix.EAFNOSUPPORT
}

func (unixSockets) Accept(fd int) (int, string, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	return nfd, sockaddrString(sa), nil
}

func (unixSockets) Connect(fd int, ip net.IP, port int) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return unix.EAFNOSUPPORT
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := unix.Connect(fd, sa); err != unix.EINTR {
		return err
	}
	// an interrupted connect keeps going in the background
	return waitConnected(fd)
}

func waitConnected(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return err
		}
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

func (unixSockets) Send(fd int, p []byte) (int, error) {
	n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (unixSockets) Recv(fd int, p []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (unixSockets) Select(highest int, set *unix.FdSet, timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(highest+1, set, nil, nil, &tv)
}

func (unixSockets) Shutdown(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

func (unixSockets) Close(fd int) error {
	return unix.Close(fd)
}
