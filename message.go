package uatcp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Framer reassembles complete messages from the raw bytes of one receive.
//
// CompleteMessages takes ownership of buf. It returns:
//   - msg == nil, err == nil: not enough data yet, the bytes were retained
//   - msg != nil, reallocated == false: msg aliases buf and must be
//     released through Connection.ReleaseRecvBuffer
//   - msg != nil, reallocated == true: buf has been released and msg is a
//     new allocation owned by the caller
//   - err != nil: the bytes were discarded
//
// The network loop calls CompleteMessages from a single goroutine per
// connection, so implementations may keep per-connection state on the
// connection without locking.
type Framer interface {
	CompleteMessages(c *Connection, buf []byte) (msg []byte, reallocated bool, err error)
}

const (
	// chunkHeaderSize is message type (3), chunk type (1), size (4).
	chunkHeaderSize = 8
	// minChunkSize is the smallest chunk a peer may send.
	minChunkSize = 16
)

// ChunkFramer frames the binary TCP chunk format: every chunk starts with
// a three letter message type, a chunk type and the little endian size of
// the whole chunk including the header.
//
// Complete chunks of one receive are returned together. A trailing partial
// chunk is kept on the connection and completed by later receives. Bytes
// that cannot start a chunk are dropped together with everything after them.
type ChunkFramer struct{}

func validMessageType(t []byte) bool {
	switch string(t) {
	case "MSG", "OPN", "CLO", "HEL", "ACK", "ERR", "RHE":
		return true
	}
	return false
}

func validChunkType(t byte) bool {
	return t == 'F' || t == 'C' || t == 'A'
}

// CompleteMessages implements Framer.
func (ChunkFramer) CompleteMessages(c *Connection, buf []byte) ([]byte, bool, error) {
	current := buf
	reallocated := false
	if len(c.incomplete) > 0 {
		current = append(c.incomplete, buf...)
		c.incomplete = nil
		c.ReleaseRecvBuffer(buf)
		reallocated = true
	}

	maxSize := int(c.local.MaxMessageSize)
	pos := 0
	garbage := false
	for len(current)-pos >= chunkHeaderSize {
		header := current[pos : pos+chunkHeaderSize]
		if !validMessageType(header[:3]) || !validChunkType(header[3]) {
			garbage = true
			break
		}
		size := int(binary.LittleEndian.Uint32(header[4:]))
		if size < minChunkSize || (maxSize > 0 && size > maxSize) {
			garbage = true
			break
		}
		if pos+size > len(current) {
			break
		}
		pos += size
	}

	if garbage && pos == 0 {
		if !reallocated {
			c.ReleaseRecvBuffer(buf)
		}
		return nil, false, errors.Wrapf(ErrMalformedMessage, "fd %d: invalid chunk header", c.fd)
	}

	// no complete chunk yet, keep everything
	if pos == 0 {
		if reallocated {
			c.incomplete = current
		} else {
			c.incomplete = append([]byte(nil), current...)
			c.ReleaseRecvBuffer(buf)
		}
		return nil, false, nil
	}

	if !garbage && pos < len(current) {
		c.incomplete = append([]byte(nil), current[pos:]...)
	}

	return current[:pos], reallocated, nil
}
