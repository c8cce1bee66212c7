package uatcp

// Job is one unit of work produced by the network layer. The concrete
// types are *ReceivedMessage, *DetachConnection and *DeferredCall.
type Job interface {
	job()
}

// BufferOwner tells who must release the bytes of a ReceivedMessage.
type BufferOwner int

const (
	// OwnerNetworkLayer buffers go back through Connection.ReleaseRecvBuffer.
	OwnerNetworkLayer BufferOwner = iota
	// OwnerJob buffers were reassembled into a new allocation and belong
	// to the job itself.
	OwnerJob
)

// ReceivedMessage carries one or more complete messages from a connection.
type ReceivedMessage struct {
	Conn  *Connection
	Data  []byte
	Owner BufferOwner
}

// Release frees the message bytes according to their owner.
func (m *ReceivedMessage) Release() {
	if m.Data == nil {
		return
	}
	if m.Owner == OwnerNetworkLayer {
		m.Conn.ReleaseRecvBuffer(m.Data)
	}
	m.Data = nil
}

// DetachConnection reports that a connection has left the network layer.
// From here on the consumer owns it.
type DetachConnection struct {
	Conn *Connection
}

// DeferredCall must run only after every job of its batch and of all
// earlier batches has finished on every worker.
type DeferredCall struct {
	Func func(arg any)
	Arg  any
}

func (*ReceivedMessage) job()  {}
func (*DetachConnection) job() {}
func (*DeferredCall) job()     {}

// detachJobs returns the pair of jobs that hands a closed connection to
// the consumer and reclaims it afterwards.
func detachJobs(c *Connection) []Job {
	return []Job{
		&DetachConnection{Conn: c},
		&DeferredCall{Func: freeConnection, Arg: c},
	}
}
