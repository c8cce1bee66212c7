package uatcp

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ServerNetworkLayer accepts peers on a TCP port and turns socket activity
// into Jobs.
//
// Start, GetJobs, Stop and DeleteMembers must all be called from the same
// goroutine, the network loop. That goroutine is the only one touching the
// connection table and the readiness set. Connections handed out in jobs
// may be used and closed from any goroutine.
type ServerNetworkLayer struct {
	conf   ConnectionConfig
	port   int
	opts   layerOptions
	logger Logger
	pool   *bufferPool

	discoveryURL string

	listenFD  int
	started   bool
	readiness unix.FdSet
	table     connectionTable
}

// NewServerNetworkLayer creates a network layer for port using conf as the
// local limits of every accepted connection. Port 0 binds an ephemeral
// port; Port reports it after Start.
func NewServerNetworkLayer(conf ConnectionConfig, port int, opt ...LayerOption) *ServerNetworkLayer {
	var opts layerOptions
	for _, o := range opt {
		o(&opts)
	}
	checkLayerOptions(&opts)

	l := &ServerNetworkLayer{
		conf:     checkConfig(conf),
		port:     port,
		opts:     opts,
		logger:   networkLogger(nil),
		pool:     newBufferPool(),
		listenFD: -1,
	}
	l.discoveryURL = l.buildDiscoveryURL()
	return l
}

func (l *ServerNetworkLayer) buildDiscoveryURL() string {
	return fmt.Sprintf("%s%s:%d", endpointScheme, l.opts.hostname, l.port)
}

// DiscoveryURL returns the endpoint url clients use to reach this layer.
func (l *ServerNetworkLayer) DiscoveryURL() string {
	return l.discoveryURL
}

// Port returns the listening port.
func (l *ServerNetworkLayer) Port() int {
	return l.port
}

// Len returns the number of connections in the table.
func (l *ServerNetworkLayer) Len() int {
	return l.table.Len()
}

// Start opens the listening socket.
func (l *ServerNetworkLayer) Start(logger Logger) error {
	l.logger = networkLogger(logger)
	s := l.opts.sockets

	fd, err := s.Socket()
	if err != nil {
		l.logger.Warn("error opening socket", "error", err)
		return errors.Wrapf(ErrInternal, "open socket: %v", err)
	}

	fail := func(op string, err error) error {
		l.logger.Warn("error setting up the listening socket", "op", op, "error", err)
		_ = s.Close(fd)
		return errors.Wrapf(ErrInternal, "%s: %v", op, err)
	}

	if fd >= fdSetSize {
		return fail("open socket", errors.Errorf("descriptor %d cannot be multiplexed", fd))
	}

	if err = s.SetReuseAddr(fd); err != nil {
		return fail("set socket options", err)
	}
	if err = s.Bind(fd, l.port); err != nil {
		return fail("bind", err)
	}
	if err = setNonBlocking(s, fd); err != nil {
		l.logger.Warn("listening socket stays blocking", "error", err)
	}
	if err = s.Listen(fd, l.opts.backlog); err != nil {
		return fail("listen", err)
	}
	if l.port == 0 {
		if port, err := s.LocalPort(fd); err == nil {
			l.port = port
			l.discoveryURL = l.buildDiscoveryURL()
		}
	}

	l.listenFD = fd
	l.started = true
	l.logger.Info("TCP network layer listening", "url", l.discoveryURL)
	return nil
}

// GetJobs waits up to timeout for socket activity and returns the
// resulting jobs. The returned slice belongs to the caller and may be empty.
//
// A new peer is accepted first (at most one per call). Then every ready
// connection is read once: complete messages become ReceivedMessage jobs,
// a closed connection is removed from the table and yields a
// DetachConnection job immediately followed by the DeferredCall job that
// frees it.
func (l *ServerNetworkLayer) GetJobs(timeout time.Duration) []Job {
	if !l.started {
		return nil
	}

	highest := l.table.fillReadiness(&l.readiness, l.listenFD)
	ready, err := l.opts.sockets.Select(highest, &l.readiness, timeout)
	if err != nil || ready < 0 {
		return nil
	}

	if l.readiness.IsSet(l.listenFD) {
		ready--
		l.accept()
	}

	if ready <= 0 {
		return nil
	}

	jobs := make([]Job, 0, ready*2)
	for i, seen := 0, 0; i < l.table.Len() && seen < ready; {
		e := l.table.At(i)
		if !l.readiness.IsSet(e.fd) {
			i++
			continue
		}
		seen++

		c := e.conn
		buf, err := receive(c, 0)
		switch {
		case errors.Is(err, ErrConnectionClosed):
			l.logger.Info("connection closed", "fd", e.fd, "peer", c.peer)
			jobs = append(jobs, detachJobs(c)...)
			l.table.RemoveAt(i)
			l.opts.metrics.connectionDetached()
			// the last entry moved into slot i, look at it next
			continue
		case err != nil || len(buf) == 0:
			i++
			continue
		}
		i++

		l.opts.metrics.received(len(buf))
		msg, reallocated, err := l.opts.framer.CompleteMessages(c, buf)
		if err != nil {
			l.logger.Debug("discarding received data", "fd", e.fd, "error", err)
			l.opts.metrics.framingFailed()
			continue
		}
		if len(msg) == 0 {
			continue
		}

		owner := OwnerNetworkLayer
		if reallocated {
			owner = OwnerJob
		}
		jobs = append(jobs, &ReceivedMessage{Conn: c, Data: msg, Owner: owner})
		l.opts.metrics.messageReceived()
	}

	l.opts.metrics.jobsEmitted(len(jobs))
	return jobs
}

// accept takes one pending peer from the listening socket. Failures are
// logged and swallowed.
func (l *ServerNetworkLayer) accept() {
	s := l.opts.sockets

	fd, peer, err := s.Accept(l.listenFD)
	if err != nil {
		l.logger.Debug("accept error", "error", err)
		l.opts.metrics.acceptFailed()
		return
	}
	if fd >= fdSetSize {
		l.logger.Warn("rejecting connection, descriptor cannot be multiplexed", "fd", fd, "peer", peer)
		_ = s.Close(fd)
		l.opts.metrics.acceptFailed()
		return
	}

	if err = s.SetNoDelay(fd); err != nil {
		l.logger.Debug("cannot disable nagle", "fd", fd, "error", err)
	}
	if err = setNonBlocking(s, fd); err != nil {
		l.logger.Warn("accepted socket stays blocking", "fd", fd, "error", err)
	}

	c := newConnection(fd, l.conf, s, l.pool, l.logger)
	c.peer = peer
	c.layer = l
	c.caps = serverCapabilities
	l.table.Add(fd, c)
	l.opts.metrics.connectionAccepted()

	l.logger.Info("new connection over TCP", "fd", fd, "peer", peer)
}

// Stop closes the listening socket and returns the final batch: a
// DetachConnection and a DeferredCall job for every remaining connection.
// The connections are closed and half-closed; their descriptors are
// released when the DeferredCall runs.
func (l *ServerNetworkLayer) Stop() []Job {
	if !l.started {
		return nil
	}
	l.logger.Info("shutting down the TCP network layer", "connections", l.table.Len())

	s := l.opts.sockets
	_ = s.Shutdown(l.listenFD)
	_ = s.Close(l.listenFD)
	l.listenFD = -1
	l.started = false

	jobs := make([]Job, 0, l.table.Len()*2)
	for i := 0; i < l.table.Len(); i++ {
		c := l.table.At(i).conn
		c.markClosed()
		c.shutdownSocket()
		jobs = append(jobs, detachJobs(c)...)
		l.opts.metrics.connectionDetached()
	}
	l.opts.metrics.jobsEmitted(len(jobs))
	return jobs
}

// DeleteMembers releases the connection table. Call it only after Stop.
func (l *ServerNetworkLayer) DeleteMembers() {
	l.table.Reset()
}

var serverCapabilities = capabilities{
	send:              write,
	close:             closeServerConnection,
	getSendBuffer:     serverGetSendBuffer,
	releaseSendBuffer: releaseBuffer,
	releaseRecvBuffer: releaseBuffer,
}

// closeServerConnection is the close capability of server connections.
// It only half-closes the socket: the network loop sees the socket become
// readable, receives end of stream and releases the descriptor there.
func closeServerConnection(c *Connection) {
	if !c.markClosed() {
		return
	}
	if l := c.layer; l != nil {
		l.logger.Info("closing the connection", "fd", c.fd)
		l.opts.metrics.closeRequested()
	}
	c.shutdownSocket()
}

func serverGetSendBuffer(c *Connection, length int) ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	if length < 0 {
		return nil, errors.Wrapf(ErrCommunication, "negative send buffer length %d", length)
	}
	if limit := c.RemoteConfig().RecvBufferSize; length > int(limit) {
		return nil, errors.Wrapf(ErrCommunication, "send buffer of %d bytes exceeds peer limit %d", length, limit)
	}
	return c.pool.Get(length), nil
}
