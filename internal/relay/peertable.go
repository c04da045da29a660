package relay

import (
	"net/netip"
	"time"
)

// Peer identifies the remote end of a flow.
type Peer struct {
	Family int
	Addr   netip.AddrPort
}

func (p Peer) String() string { return p.Addr.String() }

// compare orders by family, then port, then IP.
func (p Peer) compare(o Peer) int {
	if d := p.Family - o.Family; d != 0 {
		return d
	}
	if d := int(p.Addr.Port()) - int(o.Addr.Port()); d != 0 {
		return d
	}
	return p.Addr.Addr().Compare(o.Addr.Addr())
}

// PeerEntry is one slot of the peer table. A zero LastActivity means the
// flow has not been confirmed active yet.
type PeerEntry struct {
	InUse        bool
	Sock         int
	LastActivity time.Time
	Peer         Peer
}

// Clock returns the current time. A zero return value signals that the
// time could not be read.
type Clock func() time.Time

// PeerTable is a fixed-capacity registry of flows scanned linearly.
type PeerTable struct {
	slots []PeerEntry
	used  int
	now   Clock
}

// NewPeerTable allocates n slots.
func NewPeerTable(n int, now Clock) *PeerTable {
	if now == nil {
		now = time.Now
	}
	return &PeerTable{slots: make([]PeerEntry, n), now: now}
}

// Lookup returns the slot holding peer.
func (t *PeerTable) Lookup(peer Peer) (int, bool) {
	for i := range t.slots {
		if t.slots[i].InUse && t.slots[i].Peer.compare(peer) == 0 {
			return i, true
		}
	}
	return -1, false
}

// Insert stores sock in the first free slot. When the table is full it
// returns false and the caller still owns sock.
func (t *PeerTable) Insert(sock int, peer Peer) (int, bool) {
	for i := range t.slots {
		if !t.slots[i].InUse {
			t.slots[i] = PeerEntry{InUse: true, Sock: sock, Peer: peer}
			t.used++
			return i, true
		}
	}
	return -1, false
}

// Touch records activity on slot idx.
func (t *PeerTable) Touch(idx int) {
	if now := t.now(); !now.IsZero() {
		t.slots[idx].LastActivity = now
	}
}

// Release frees slot idx and returns the entry it held.
func (t *PeerTable) Release(idx int) PeerEntry {
	e := t.slots[idx]
	if e.InUse {
		t.slots[idx].InUse = false
		t.used--
	}
	return e
}

// EvictIdle frees every slot idle for at least timeout and hands each
// evicted entry to release after the slot is marked free. A timeout <= 0
// disables eviction.
func (t *PeerTable) EvictIdle(timeout time.Duration, release func(idx int, e PeerEntry)) bool {
	if timeout <= 0 {
		return false
	}
	now := t.now()
	evicted := false
	for i := range t.slots {
		e := t.slots[i]
		if !e.InUse {
			continue
		}
		stale := e.LastActivity.IsZero()
		if !stale && !now.IsZero() {
			stale = now.Sub(e.LastActivity) >= timeout
		}
		if !stale {
			continue
		}
		t.Release(i)
		if release != nil {
			release(i, e)
		}
		evicted = true
	}
	return evicted
}

// Entry returns a copy of slot idx.
func (t *PeerTable) Entry(idx int) PeerEntry { return t.slots[idx] }

// Each calls fn for every in-use slot in index order.
func (t *PeerTable) Each(fn func(idx int, e PeerEntry)) {
	for i := range t.slots {
		if t.slots[i].InUse {
			fn(i, t.slots[i])
		}
	}
}

func (t *PeerTable) Len() int { return t.used }
func (t *PeerTable) Cap() int { return len(t.slots) }
