package uatcp

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const (
	endpointScheme    = "opc.tcp://"
	minEndpointLength = 11
	maxEndpointLength = 512
)

// ParseEndpointURL splits an endpoint url of the form
// opc.tcp://host:port[/path] into host and port.
func ParseEndpointURL(endpointURL string) (string, int, error) {
	if len(endpointURL) < minEndpointLength || len(endpointURL) >= maxEndpointLength {
		return "", 0, errors.Wrapf(ErrInvalidEndpoint, "url length %d out of range", len(endpointURL))
	}
	if !strings.HasPrefix(endpointURL, endpointScheme) {
		return "", 0, errors.Wrapf(ErrInvalidEndpoint, "url does not begin with %s", endpointScheme)
	}

	rest := endpointURL[len(endpointScheme):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", 0, errors.Wrap(ErrInvalidEndpoint, "no port in url")
	}
	host := rest[:colon]
	if host == "" {
		return "", 0, errors.Wrap(ErrInvalidEndpoint, "empty host")
	}

	port, digits := 0, 0
	for _, ch := range rest[colon+1:] {
		if ch == '/' {
			break
		}
		if ch < '0' || ch > '9' {
			return "", 0, errors.Wrapf(ErrInvalidEndpoint, "invalid port %q", rest[colon+1:])
		}
		port = port*10 + int(ch-'0')
		digits++
		if port > 65535 {
			return "", 0, errors.Wrap(ErrInvalidEndpoint, "port out of range")
		}
	}
	if digits == 0 || port == 0 {
		return "", 0, errors.Wrap(ErrInvalidEndpoint, "port invalid")
	}

	return host, port, nil
}

var clientCapabilities = capabilities{
	send:              write,
	recv:              receive,
	close:             closeClientConnection,
	getSendBuffer:     clientGetSendBuffer,
	releaseSendBuffer: releaseBuffer,
	releaseRecvBuffer: releaseBuffer,
}

// Connect opens a single blocking connection to endpointURL.
//
// The returned connection is never nil. On failure it is Closed and the
// error tells why: ErrInvalidEndpoint and ErrResolve are reported before
// any socket is opened, ErrInternal when the socket cannot be created and
// ErrConnectionClosed when the connect itself fails.
//
// There is no background goroutine. The caller drives Send and Receive and
// owns the connection.
func Connect(ctx context.Context, localConf ConnectionConfig, endpointURL string, opt ...ClientOption) (*Connection, error) {
	var opts clientOptions
	for _, o := range opt {
		o(&opts)
	}
	checkClientOptions(&opts)
	logger := opts.logger

	c := newConnection(-1, checkConfig(localConf), opts.sockets, newBufferPool(), logger)
	c.caps = clientCapabilities

	host, port, err := ParseEndpointURL(endpointURL)
	if err != nil {
		logger.Warn("server url invalid", "url", endpointURL, "error", err)
		c.markClosed()
		return c, err
	}

	ips, err := opts.resolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		logger.Warn("DNS lookup failed", "host", host, "error", err)
		c.markClosed()
		return c, errors.Wrapf(ErrResolve, "%s: %v", host, err)
	}

	fd, err := opts.sockets.Socket()
	if err != nil {
		logger.Warn("could not create socket", "error", err)
		c.markClosed()
		return c, errors.Wrapf(ErrInternal, "open socket: %v", err)
	}
	c.fd = fd
	c.peer = endpointURL

	if err = opts.sockets.Connect(fd, ips[0], port); err != nil {
		c.Close()
		logger.Warn("connection failed", "url", endpointURL, "error", err)
		return c, errors.Wrapf(ErrConnectionClosed, "connect %s: %v", endpointURL, err)
	}

	logger.Debug("connected", "url", endpointURL, "fd", fd)
	return c, nil
}

// closeClientConnection is the close capability of client connections.
// Without a network loop the descriptor is released right away.
func closeClientConnection(c *Connection) {
	if !c.markClosed() {
		return
	}
	c.shutdownSocket()
	c.releaseSocket()
}

// clientGetSendBuffer allocates a buffer of the peer's full receive buffer
// size, the largest chunk the server accepts.
func clientGetSendBuffer(c *Connection, length int) ([]byte, error) {
	limit := int(c.RemoteConfig().RecvBufferSize)
	if length < 0 || length > limit {
		return nil, errors.Wrapf(ErrCommunication, "send buffer of %d bytes outside peer limit %d", length, limit)
	}
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.pool.Get(limit), nil
}
