package uatcp

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// write sends buf completely, resuming after partial sends. Interrupted
// and would-block sends are retried without consuming data. Any other
// error closes the connection. buf is released on every path.
func write(c *Connection, buf []byte) error {
	defer c.ReleaseSendBuffer(buf)

	if c.IsClosed() {
		return ErrConnectionClosed
	}

	for written := 0; written < len(buf); {
		n, err := c.sendSocket(buf[written:])
		if err == ErrConnectionClosed {
			return errors.Wrapf(ErrConnectionClosed, "send on fd %d: descriptor released", c.fd)
		}
		if err != nil {
			if retryable(err) {
				runtime.Gosched()
				continue
			}
			c.logger.Debug("write error", "fd", c.fd, "error", err)
			// The close capability decides who releases the descriptor:
			// the network loop for server connections, Close itself for
			// client connections.
			c.Close()
			return errors.Wrapf(ErrConnectionClosed, "send on fd %d: %v", c.fd, err)
		}
		written += n
	}

	return nil
}

// receive performs one receive into a fresh buffer of the local receive
// buffer size. A positive timeout installs a receive timeout first.
//
// Returns:
//   - data, nil: data was received, len(data) is the number of bytes read
//   - nil, nil: nothing to read yet, try again later
//   - nil, ErrConnectionClosed: the peer closed or the socket failed;
//     the descriptor has been released
func receive(c *Connection, timeout time.Duration) ([]byte, error) {
	if c.fd < 0 || c.released.Load() {
		return nil, ErrConnectionClosed
	}

	buf := c.pool.Get(int(c.local.RecvBufferSize))

	if timeout > 0 {
		if err := c.sockets.SetRecvTimeout(c.fd, timeout); err != nil {
			c.pool.Put(buf)
			c.forceClose()
			return nil, errors.Wrapf(ErrConnectionClosed, "set receive timeout on fd %d: %v", c.fd, err)
		}
	}

	n, err := c.sockets.Recv(c.fd, buf)
	switch {
	case err != nil && retryable(err):
		c.pool.Put(buf)
		return nil, nil
	case err != nil:
		c.pool.Put(buf)
		c.forceClose()
		return nil, errors.Wrapf(ErrConnectionClosed, "receive on fd %d: %v", c.fd, err)
	case n == 0:
		c.pool.Put(buf)
		c.forceClose()
		return nil, ErrConnectionClosed
	}

	return buf[:n], nil
}

// setNonBlocking is best effort; a failure is reported as ErrInternal and
// never affects the connection.
func setNonBlocking(sockets Sockets, fd int) error {
	if err := sockets.SetNonblock(fd); err != nil {
		return errors.Wrapf(ErrInternal, "set non-blocking on fd %d: %v", fd, err)
	}
	return nil
}
