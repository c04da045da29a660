package relay

// ceiling tracks the highest descriptor select(2) has to watch: the
// listening socket and every in-use forwarding socket.
type ceiling struct {
	listen int
	max    int
	table  *PeerTable
}

func newCeiling(listen int, table *PeerTable) *ceiling {
	c := &ceiling{listen: listen, table: table}
	c.Recompute()
	return c
}

// Recompute rescans the table.
func (c *ceiling) Recompute() {
	c.max = c.listen
	c.table.Each(func(_ int, e PeerEntry) {
		if e.Sock > c.max {
			c.max = e.Sock
		}
	})
}

func (c *ceiling) NoteAdded(fd int) {
	if fd > c.max {
		c.max = fd
	}
}

// NoteRemoved must run after fd's slot has been released. Closing a
// descriptor below the ceiling cannot lower it.
func (c *ceiling) NoteRemoved(fd int) {
	if fd >= c.max {
		c.Recompute()
	}
}

func (c *ceiling) Max() int { return c.max }
