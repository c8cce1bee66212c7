package uatcp

import (
	"net"
	"strconv"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fdSetSize is the number of descriptors a readiness set can hold.
// Descriptors at or above it cannot be multiplexed.
const fdSetSize = len(unix.FdSet{}.Bits) * int(unsafe.Sizeof(unix.FdSet{}.Bits[0])) * 8

// Sockets is the operating system socket capability used by the server
// network layer and the client connector. All handles are raw descriptors.
//
// The default implementation talks to the kernel through golang.org/x/sys/unix.
// Tests substitute an in-memory implementation.
type Sockets interface {
	// Socket creates an IPv4 stream socket.
	Socket() (int, error)
	// SetReuseAddr enables SO_REUSEADDR.
	SetReuseAddr(fd int) error
	// SetNoDelay disables Nagle's algorithm.
	SetNoDelay(fd int) error
	// SetNonblock switches the socket into non-blocking mode.
	SetNonblock(fd int) error
	// SetRecvTimeout installs SO_RCVTIMEO.
	SetRecvTimeout(fd int, timeout time.Duration) error
	// Bind binds the socket to the wildcard address on port.
	Bind(fd int, port int) error
	// Listen marks the socket as passive.
	Listen(fd int, backlog int) error
	// LocalPort returns the port the socket is bound to.
	LocalPort(fd int) (int, error)
	// Accept returns a new peer socket and a printable peer address.
	Accept(fd int) (int, string, error)
	// Connect performs a blocking connect to ip:port.
	Connect(fd int, ip net.IP, port int) error
	// Send transmits as much of p as the kernel accepts.
	Send(fd int, p []byte) (int, error)
	// Recv performs a single receive into p. Zero bytes and a nil error
	// means the peer closed the stream.
	Recv(fd int, p []byte) (int, error)
	// Select waits until one of the descriptors in set is readable or
	// the timeout expires. On return set only holds the ready descriptors.
	Select(highest int, set *unix.FdSet, timeout time.Duration) (int, error)
	// Shutdown half-closes the socket in both directions.
	Shutdown(fd int) error
	// Close releases the descriptor.
	Close(fd int) error
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
