package relay

import (
	"math/rand"
	"net/netip"
	"testing"
)

func bruteMax(listen int, tbl *PeerTable) int {
	m := listen
	tbl.Each(func(_ int, e PeerEntry) {
		if e.Sock > m {
			m = e.Sock
		}
	})
	return m
}

func TestCeilingTracksTable(t *testing.T) {
	const listen = 3
	tbl := NewPeerTable(8, nil)
	c := newCeiling(listen, tbl)
	if c.Max() != listen {
		t.Fatalf("Expected empty table ceiling %d, got %d", listen, c.Max())
	}

	rng := rand.New(rand.NewSource(7))
	free := map[int]bool{}
	for fd := 4; fd < 40; fd++ {
		free[fd] = true
	}
	take := func() int {
		for fd := 4; fd < 40; fd++ {
			if free[fd] {
				delete(free, fd)
				return fd
			}
		}
		return -1
	}

	for i := 0; i < 1000; i++ {
		if rng.Intn(2) == 0 {
			fd := take()
			p := Peer{Family: afInet, Addr: netip.AddrPortFrom(netip.MustParseAddr("10.1.1.1"), uint16(i))}
			if _, ok := tbl.Insert(fd, p); ok {
				c.NoteAdded(fd)
			} else {
				free[fd] = true
			}
		} else if tbl.Len() > 0 {
			var slots []int
			tbl.Each(func(idx int, _ PeerEntry) { slots = append(slots, idx) })
			e := tbl.Release(slots[rng.Intn(len(slots))])
			free[e.Sock] = true
			c.NoteRemoved(e.Sock)
		}
		if want := bruteMax(listen, tbl); c.Max() != want {
			t.Fatalf("Step %d: expected ceiling %d, got %d", i, want, c.Max())
		}
	}
}

func TestCeilingAfterEviction(t *testing.T) {
	clk := newFakeClock()
	tbl := NewPeerTable(4, clk.Now)
	c := newCeiling(5, tbl)
	for i, fd := range []int{9, 7, 12} {
		idx, _ := tbl.Insert(fd, peer4(netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), uint16(100+i)).String()))
		c.NoteAdded(fd)
		if fd != 12 {
			tbl.Touch(idx)
		}
	}
	if c.Max() != 12 {
		t.Fatalf("Expected ceiling 12, got %d", c.Max())
	}
	tbl.EvictIdle(1, func(_ int, e PeerEntry) { c.NoteRemoved(e.Sock) })
	if tbl.Len() != 2 {
		t.Fatalf("Expected only the untouched flow to be evicted, %d left", tbl.Len())
	}
	if c.Max() != 9 {
		t.Errorf("Expected ceiling to drop to 9, got %d", c.Max())
	}
}
