// Package uatcp provides the TCP transport of a connection-oriented binary
// protocol server and client.
//
// The server side is a single-goroutine readiness loop (ServerNetworkLayer)
// that owns the listening socket and the table of peer sockets and turns
// socket activity into Jobs for an external worker pool. Connections can be
// closed from any goroutine at any time; their memory is reclaimed by a
// DeferredCall job that a dispatcher runs only after every job issued
// before it has finished. The client side is a one-shot connector that
// returns a single Connection driven directly by the caller.
package uatcp

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	// StateOpening is the state of a freshly accepted or connected socket.
	StateOpening ConnectionState = iota
	// StateEstablished is entered when the protocol layer above has
	// completed its handshake.
	StateEstablished
	// StateClosed is terminal.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds the buffer limits of one side of a connection.
type ConnectionConfig struct {
	ProtocolVersion uint32
	RecvBufferSize  uint32
	SendBufferSize  uint32
	MaxMessageSize  uint32 // 0 means unlimited
	MaxChunkCount   uint32 // 0 means unlimited
}

// StandardConnectionConfig returns the default limits.
func StandardConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ProtocolVersion: 0,
		RecvBufferSize:  65535,
		SendBufferSize:  65535,
		MaxMessageSize:  1 << 20,
		MaxChunkCount:   16,
	}
}

// capabilities is the operation table bound to a Connection by the layer
// that created it.
type capabilities struct {
	send              func(c *Connection, buf []byte) error
	recv              func(c *Connection, timeout time.Duration) ([]byte, error)
	close             func(c *Connection)
	getSendBuffer     func(c *Connection, length int) ([]byte, error)
	releaseSendBuffer func(c *Connection, buf []byte)
	releaseRecvBuffer func(c *Connection, buf []byte)
}

// Connection is one peer socket together with its lifecycle state and the
// capability set of the layer that created it.
type Connection struct {
	fd      int
	peer    string
	state   atomic.Int32
	local   ConnectionConfig
	remote  atomic.Pointer[ConnectionConfig]
	caps    capabilities
	sockets Sockets
	pool    *bufferPool
	logger  Logger

	// layer is set for server connections and consulted by the close
	// capability only. It never keeps the connection alive.
	layer *ServerNetworkLayer

	// incomplete holds the head of a message split across receives.
	// Only the goroutine receiving on the connection touches it.
	incomplete []byte

	// sockMu keeps the descriptor number valid for sends and shutdown:
	// they hold it shared, release holds it exclusively. Nothing touches
	// a number the kernel may have handed to a new peer.
	sockMu   sync.RWMutex
	shutdown atomic.Bool
	released atomic.Bool
	freed    atomic.Bool
}

func newConnection(fd int, local ConnectionConfig, sockets Sockets, pool *bufferPool, logger Logger) *Connection {
	c := &Connection{
		fd:      fd,
		local:   local,
		sockets: sockets,
		pool:    pool,
		logger:  logger,
	}
	remote := local
	c.remote.Store(&remote)
	c.state.Store(int32(StateOpening))
	return c
}

// FD returns the socket descriptor, or -1 if no socket was opened.
func (c *Connection) FD() int {
	return c.fd
}

// Peer returns the remote address as reported by accept or connect.
func (c *Connection) Peer() string {
	return c.peer
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// Establish moves the connection from Opening to Established. It reports
// false if the connection was not Opening.
func (c *Connection) Establish() bool {
	return c.state.CompareAndSwap(int32(StateOpening), int32(StateEstablished))
}

// LocalConfig returns the limits of this endpoint.
func (c *Connection) LocalConfig() ConnectionConfig {
	return c.local
}

// RemoteConfig returns the limits the peer declared. Until SetRemoteConfig
// is called they equal the local limits.
func (c *Connection) RemoteConfig() ConnectionConfig {
	return *c.remote.Load()
}

// SetRemoteConfig records the limits negotiated with the peer.
func (c *Connection) SetRemoteConfig(conf ConnectionConfig) {
	c.remote.Store(&conf)
}

// Send transmits buf completely. Ownership of buf passes to Send, which
// releases it on every path. A descriptor released while Send runs is
// never written to again.
func (c *Connection) Send(buf []byte) error {
	return c.caps.send(c, buf)
}

// Receive waits up to timeout for data. It is only bound on client
// connections; server connections are read by the network loop.
// An empty result with a nil error means no data arrived yet.
func (c *Connection) Receive(timeout time.Duration) ([]byte, error) {
	if c.caps.recv == nil {
		return nil, ErrNotSupported
	}
	return c.caps.recv(c, timeout)
}

// Close closes the connection. Safe to call multiple times and from any
// goroutine.
func (c *Connection) Close() {
	c.caps.close(c)
}

// GetSendBuffer returns a buffer of at least length bytes for a message
// to the peer. The buffer must be handed to Send or ReleaseSendBuffer.
func (c *Connection) GetSendBuffer(length int) ([]byte, error) {
	return c.caps.getSendBuffer(c, length)
}

// ReleaseSendBuffer gives back a buffer obtained from GetSendBuffer that
// was not sent.
func (c *Connection) ReleaseSendBuffer(buf []byte) {
	c.caps.releaseSendBuffer(c, buf)
}

// ReleaseRecvBuffer gives back a received buffer owned by the network layer.
func (c *Connection) ReleaseRecvBuffer(buf []byte) {
	c.caps.releaseRecvBuffer(c, buf)
}

// markClosed performs the transition to Closed. Only the first caller,
// from any origin, gets true.
func (c *Connection) markClosed() bool {
	return ConnectionState(c.state.Swap(int32(StateClosed))) != StateClosed
}

// shutdownSocket half-closes the socket in both directions, once.
// The descriptor stays valid so concurrent readers never touch a reused one.
func (c *Connection) shutdownSocket() {
	if c.fd < 0 {
		return
	}
	c.sockMu.RLock()
	defer c.sockMu.RUnlock()
	if c.released.Load() || c.shutdown.Swap(true) {
		return
	}
	_ = c.sockets.Shutdown(c.fd)
}

// sendSocket performs one send unless the descriptor was released.
func (c *Connection) sendSocket(p []byte) (int, error) {
	c.sockMu.RLock()
	defer c.sockMu.RUnlock()
	if c.released.Load() {
		return 0, ErrConnectionClosed
	}
	return c.sockets.Send(c.fd, p)
}

// releaseSocket returns the descriptor to the operating system, once.
func (c *Connection) releaseSocket() {
	if c.fd < 0 {
		return
	}
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.released.Swap(true) {
		return
	}
	_ = c.sockets.Close(c.fd)
}

// forceClose closes the connection and its descriptor immediately.
// Only the goroutine that owns the descriptor may call it: the network
// loop for server connections, the caller for client connections.
func (c *Connection) forceClose() {
	c.markClosed()
	c.shutdownSocket()
	c.releaseSocket()
}

// deleteMembers drops everything the connection still holds.
func (c *Connection) deleteMembers() {
	c.incomplete = nil
	c.releaseSocket()
	c.freed.Store(true)
}

// freeConnection is the DeferredCall function that reclaims a detached
// connection.
func freeConnection(arg any) {
	if c, ok := arg.(*Connection); ok {
		c.deleteMembers()
	}
}

func releaseBuffer(c *Connection, buf []byte) {
	c.pool.Put(buf)
}
