package uatcp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// sendStep scripts one Send call: accept at most n bytes, or fail with err.
type sendStep struct {
	n   int
	err error
}

// fakeSocket is the state of one in-memory descriptor.
type fakeSocket struct {
	listening bool
	backlog   int
	reuse     bool
	nonblock  bool
	nodelay   bool
	timeout   time.Duration
	port      int

	connectedTo string

	inbox    [][]byte
	recvErrs []error
	eof      bool

	sendPlan []sendStep
	sent     []byte

	shutdowns int
	closes    int
	recvCalls int
	sendCalls int
}

func (s *fakeSocket) readable() bool {
	return len(s.inbox) > 0 || len(s.recvErrs) > 0 || s.eof || s.shutdowns > 0
}

// fakeSockets implements Sockets in memory. It records every call so
// tests can check how often sockets were shut down and closed.
type fakeSockets struct {
	mu     sync.Mutex
	next   int
	socks  map[int]*fakeSocket
	accept []int // peers waiting on the listener

	socketErr     error
	reuseErr      error
	bindErr       error
	listenErr     error
	acceptErr     error
	connectErr    error
	selectErr     error
	recvTimeoutEr error

	// selectLimit caps the count Select reports while still marking every
	// ready descriptor. Zero means no cap.
	selectLimit int
	lastSelect  []int
	selectCalls int
}

func newFakeSockets() *fakeSockets {
	return &fakeSockets{next: 3, socks: make(map[int]*fakeSocket)}
}

func (f *fakeSockets) alloc() int {
	fd := f.next
	f.next++
	f.socks[fd] = &fakeSocket{}
	return fd
}

// sock returns the state of fd.
func (f *fakeSockets) sock(fd int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socks[fd]
}

func (f *fakeSockets) live(fd int) (*fakeSocket, error) {
	s, ok := f.socks[fd]
	if !ok || s.closes > 0 {
		return nil, unix.EBADF
	}
	return s, nil
}

// dial queues a new peer on the listener and returns its future descriptor.
func (f *fakeSockets) dial() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd := f.alloc()
	f.accept = append(f.accept, fd)
	return fd
}

// deliver makes data readable on fd.
func (f *fakeSockets) deliver(fd int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.socks[fd].inbox = append(f.socks[fd].inbox, append([]byte(nil), data...))
}

// failRecv makes the next receive on fd fail with err.
func (f *fakeSockets) failRecv(fd int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.socks[fd].recvErrs = append(f.socks[fd].recvErrs, err)
}

// hangup simulates the peer closing its end.
func (f *fakeSockets) hangup(fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.socks[fd].eof = true
}

// reopen hands the number fd to a brand new socket, as the kernel does
// after a close.
func (f *fakeSockets) reopen(fd int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSocket{}
	f.socks[fd] = s
	return s
}

func (f *fakeSockets) planSend(fd int, steps ...sendStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.socks[fd].sendPlan = append(f.socks[fd].sendPlan, steps...)
}

func (f *fakeSockets) Socket() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.socketErr != nil {
		return -1, f.socketErr
	}
	return f.alloc(), nil
}

func (f *fakeSockets) SetReuseAddr(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reuseErr != nil {
		return f.reuseErr
	}
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.reuse = true
	return nil
}

func (f *fakeSockets) SetNoDelay(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.nodelay = true
	return nil
}

func (f *fakeSockets) SetNonblock(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.nonblock = true
	return nil
}

func (f *fakeSockets) SetRecvTimeout(fd int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recvTimeoutEr != nil {
		return f.recvTimeoutEr
	}
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.timeout = timeout
	return nil
}

func (f *fakeSockets) Bind(fd int, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	if port == 0 {
		port = 49152
	}
	s.port = port
	return nil
}

func (f *fakeSockets) Listen(fd int, backlog int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.listening = true
	s.backlog = backlog
	return nil
}

func (f *fakeSockets) LocalPort(fd int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.live(fd)
	if err != nil {
		return 0, err
	}
	return s.port, nil
}

func (f *fakeSockets) Accept(fd int) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return -1, "", f.acceptErr
	}
	s, err := f.live(fd)
	if err != nil {
		return -1, "", err
	}
	if !s.listening || len(f.accept) == 0 {
		return -1, "", unix.EAGAIN
	}
	nfd := f.accept[0]
	f.accept = f.accept[1:]
	return nfd, net.JoinHostPort("10.0.0.1", strconv.Itoa(40000+nfd)), nil
}

func (f *fakeSockets) Connect(fd int, ip net.IP, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.connectedTo = net.JoinHostPort(ip.String(), strconv.Itoa(port))
	return nil
}

func (f *fakeSockets) Send(fd int, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.live(fd)
	if err != nil {
		return 0, err
	}
	s.sendCalls++
	n := len(p)
	if len(s.sendPlan) > 0 {
		step := s.sendPlan[0]
		s.sendPlan = s.sendPlan[1:]
		if step.err != nil {
			return 0, step.err
		}
		if step.n < n {
			n = step.n
		}
	}
	s.sent = append(s.sent, p[:n]...)
	return n, nil
}

func (f *fakeSockets) Recv(fd int, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.live(fd)
	if err != nil {
		return 0, err
	}
	s.recvCalls++
	if len(s.recvErrs) > 0 {
		err := s.recvErrs[0]
		s.recvErrs = s.recvErrs[1:]
		return 0, err
	}
	if len(s.inbox) > 0 {
		n := copy(p, s.inbox[0])
		if n < len(s.inbox[0]) {
			s.inbox[0] = s.inbox[0][n:]
		} else {
			s.inbox = s.inbox[1:]
		}
		return n, nil
	}
	if s.eof || s.shutdowns > 0 {
		return 0, nil
	}
	return 0, unix.EAGAIN
}

func (f *fakeSockets) Select(highest int, set *unix.FdSet, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls++
	if f.selectErr != nil {
		return -1, f.selectErr
	}

	f.lastSelect = f.lastSelect[:0]
	ready := 0
	for fd := 0; fd <= highest; fd++ {
		if !set.IsSet(fd) {
			continue
		}
		f.lastSelect = append(f.lastSelect, fd)
		s, ok := f.socks[fd]
		isReady := ok && s.closes == 0 &&
			((s.listening && len(f.accept) > 0) || (!s.listening && s.readable()))
		if isReady {
			ready++
		} else {
			set.Clear(fd)
		}
	}
	if f.selectLimit > 0 && ready > f.selectLimit {
		ready = f.selectLimit
	}
	return ready, nil
}

func (f *fakeSockets) Shutdown(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.live(fd)
	if err != nil {
		return err
	}
	s.shutdowns++
	return nil
}

func (f *fakeSockets) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.socks[fd]
	if !ok {
		return unix.EBADF
	}
	s.closes++
	return nil
}

// selected reports whether fd was part of the last readiness set.
func (f *fakeSockets) selected(fd int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.lastSelect {
		if s == fd {
			return true
		}
	}
	return false
}

// fakeResolver resolves every host to ips, or fails with err.
type fakeResolver struct {
	ips   []net.IP
	err   error
	calls int
}

func (r *fakeResolver) LookupIP(_ context.Context, _ string, _ string) ([]net.IP, error) {
	r.calls++
	return r.ips, r.err
}

// discardLogger drops every record.
type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// newTestConnection returns a server-side connection on a fresh fake socket.
func newTestConnection(f *fakeSockets, conf ConnectionConfig) *Connection {
	f.mu.Lock()
	fd := f.alloc()
	f.mu.Unlock()
	c := newConnection(fd, conf, f, newBufferPool(), discardLogger{})
	c.caps = serverCapabilities
	return c
}

// chunk builds a chunk of the given type with size bytes in total.
func chunk(msgType string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, msgType)
	buf[3] = 'F'
	buf[4] = byte(size)
	buf[5] = byte(size >> 8)
	buf[6] = byte(size >> 16)
	buf[7] = byte(size >> 24)
	for i := chunkHeaderSize; i < size; i++ {
		buf[i] = byte(i)
	}
	return buf
}
