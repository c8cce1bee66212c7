package uatcp

import "golang.org/x/sys/unix"

type tableEntry struct {
	fd   int
	conn *Connection
}

// connectionTable maps open sockets to their connections. It is owned by
// the network loop and never locked.
type connectionTable struct {
	entries []tableEntry
}

func (t *connectionTable) Len() int {
	return len(t.entries)
}

func (t *connectionTable) At(i int) tableEntry {
	return t.entries[i]
}

func (t *connectionTable) Add(fd int, c *Connection) {
	t.entries = append(t.entries, tableEntry{fd: fd, conn: c})
}

// RemoveAt deletes entry i by moving the last entry into its place.
func (t *connectionTable) RemoveAt(i int) *Connection {
	last := len(t.entries) - 1
	c := t.entries[i].conn
	t.entries[i] = t.entries[last]
	t.entries[last] = tableEntry{}
	t.entries = t.entries[:last]
	return c
}

func (t *connectionTable) Reset() {
	t.entries = nil
}

// fillReadiness rebuilds set from the listening socket and every entry
// and returns the highest descriptor.
func (t *connectionTable) fillReadiness(set *unix.FdSet, listenFD int) int {
	set.Zero()
	set.Set(listenFD)
	highest := listenFD
	for _, e := range t.entries {
		set.Set(e.fd)
		if e.fd > highest {
			highest = e.fd
		}
	}
	return highest
}
