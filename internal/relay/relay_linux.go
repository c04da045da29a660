//go:build linux

package relay

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/matst80/udpmask/internal/journal"
	"github.com/matst80/udpmask/internal/obs"
	"github.com/matst80/udpmask/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fdSetSize is FD_SETSIZE: descriptors at or above it cannot be watched.
const fdSetSize = int(unsafe.Sizeof(unix.FdSet{})) * 8

// Relay owns every descriptor it watches. All fields except the counters, the
// lifecycle flags and the wake pipe are confined to the goroutine running Run.
type Relay struct {
	options
	cfg Config

	tf       Transformer
	listenFd int
	local    netip.AddrPort
	upstream unix.Sockaddr
	upFamily int

	table  *PeerTable
	ceil   *ceiling
	active unix.FdSet
	buf    []byte

	wakeMu sync.Mutex
	wake   [2]int

	counters counters

	lifeMu   sync.Mutex
	started  bool
	closed   bool
	stop     atomic.Bool
	released atomic.Bool
	done     chan struct{}
}

// New binds the listening socket. Errors here are startup failures; nothing
// after New returns an error for a single packet.
func New(cfg Config, tf Transformer, opts ...Option) (*Relay, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	r := &Relay{cfg: cfg, tf: tf, listenFd: -1, wake: [2]int{-1, -1}, done: make(chan struct{})}
	for _, o := range opts {
		o(&r.options)
	}
	if r.journal == nil {
		r.journal = journal.Nop{}
	}
	if r.newSocket == nil {
		r.newSocket = newUDPSocket
	}
	r.upstream, r.upFamily = sockaddrOf(cfg.Upstream)

	bindSA, family := sockaddrOf(cfg.Listen)
	fd, err := newUDPSocket(family)
	if err != nil {
		return nil, errors.Wrap(err, "socket()")
	}
	if err := unix.Bind(fd, bindSA); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind(%s)", cfg.Listen)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "getsockname()")
	}
	r.listenFd = fd
	if p, ok := peerOf(sa); ok {
		r.local = p.Addr
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "pipe2()")
	}
	if p[0] >= fdSetSize {
		unix.Close(fd)
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, ErrFDLimit
	}
	r.wake = p

	r.table = NewPeerTable(cfg.MaxClients, r.clock)
	r.ceil = newCeiling(fd, r.table)
	r.active.Zero()
	r.active.Set(fd)
	r.active.Set(p[0])
	r.buf = make([]byte, cfg.BufferSize)
	return r, nil
}

// LocalAddr is the address the listening socket is bound to.
func (r *Relay) LocalAddr() netip.AddrPort { return r.local }

// Stats may be called from any goroutine.
func (r *Relay) Stats() Stats { return r.counters.snapshot(r.cfg.MaxClients) }

// Run forwards packets until ctx is cancelled or Close is called, then
// closes every descriptor. The packets of the iteration in progress at that
// point are still processed. Run may only be called once.
func (r *Relay) Run(ctx context.Context) error {
	r.lifeMu.Lock()
	if r.started || r.closed {
		r.lifeMu.Unlock()
		return ErrClosed
	}
	r.started = true
	r.lifeMu.Unlock()

	defer close(r.done)
	defer r.release()
	stop := context.AfterFunc(ctx, r.wakeup)
	defer stop()

	obs.Info("relay.start", obs.Fields{
		"mode":        r.cfg.Mode.String(),
		"listen":      r.local.String(),
		"upstream":    r.cfg.Upstream.String(),
		"timeout":     r.cfg.Timeout.String(),
		"max_clients": r.cfg.MaxClients,
		"limit":       r.cfg.Limit,
	})
	r.ceil.Recompute()
	for ctx.Err() == nil && !r.stop.Load() {
		r.iterate()
	}
	obs.Info("relay.shutdown", obs.Fields{"flows": r.table.Len()})
	return nil
}

func (r *Relay) iterate() {
	rs := r.active
	nfd := r.ceil.Max()
	if r.wake[0] > nfd {
		nfd = r.wake[0]
	}
	n, err := unix.Select(nfd+1, &rs, nil, nil, nil)
	if err != nil || n <= 0 {
		obs.Debug("relay.select", obs.Fields{"ret": n, "err": errString(err)})
		return
	}
	if rs.IsSet(r.wake[0]) {
		r.drainWake()
	}
	swept := false
	if rs.IsSet(r.listenFd) {
		swept = r.drainListener()
	}
	r.drainPeers(&rs)
	if !swept {
		r.sweep()
	}
}

// drainListener handles one datagram from a peer and reports whether the
// idle sweep already ran.
func (r *Relay) drainListener() bool {
	n, from, err := unix.Recvfrom(r.listenFd, r.buf, 0)
	if err != nil || n <= 0 {
		return false
	}
	peer, ok := peerOf(from)
	if !ok {
		return false
	}
	swept := false
	fresh := false
	idx, found := r.table.Lookup(peer)
	if !found {
		obs.Info("relay.flow.new", obs.Fields{"peer": peer.String()})
		if r.admit != nil && !r.admit.Allow(peer.Addr.Addr()) {
			obs.Warn("relay.flow.rate_limited", obs.Fields{"peer": peer.String()})
			r.counters.dropped("rate_limited")
			return false
		}
		sock, err := r.newSocket(r.upFamily)
		if err != nil {
			obs.Warn("relay.socket", obs.Fields{"err": err.Error(), "peer": peer.String()})
			obs.ErrorsTotal.WithLabelValues("socket").Inc()
			r.counters.dropped("socket")
			return false
		}
		r.sweep()
		swept = true
		idx, ok = r.table.Insert(sock, peer)
		if !ok {
			unix.Close(sock)
			obs.Warn("relay.max_clients", obs.Fields{"peer": peer.String(), "max_clients": r.table.Cap()})
			r.counters.dropped("max_clients")
			return swept
		}
		if err := unix.Connect(sock, r.upstream); err != nil {
			obs.Warn("relay.connect", obs.Fields{"err": err.Error(), "peer": peer.String()})
			obs.ErrorsTotal.WithLabelValues("connect").Inc()
		}
		r.active.Set(sock)
		r.ceil.NoteAdded(sock)
		r.counters.opened.Add(1)
		r.counters.active.Store(int64(r.table.Len()))
		obs.FlowsOpenedTotal.Inc()
		obs.ActiveFlows.Set(float64(r.table.Len()))
		r.journal.Record(flowEvent(proto.FlowOpen, r.cfg.Mode, peer, r.cfg.Upstream, ""))
		fresh = true
	}

	m, err := r.tf.Transform(r.cfg.Mode, r.buf[:n], r.buf, r.cfg.Limit)
	if err != nil {
		obs.Warn("relay.transform", obs.Fields{"err": err.Error(), "peer": peer.String()})
		r.counters.dropped("transform")
		if fresh {
			r.closeFlow(r.table.Release(idx), "transform")
		}
		return swept
	}
	sock := r.table.Entry(idx).Sock
	if _, err := unix.Write(sock, r.buf[:m]); err != nil {
		obs.Warn("relay.send.upstream", obs.Fields{"err": err.Error(), "peer": peer.String()})
		obs.ErrorsTotal.WithLabelValues("send_upstream").Inc()
	} else {
		r.counters.forwarded(dirUpstream, m)
	}
	r.table.Touch(idx)
	return swept
}

// drainPeers forwards one reply from every readable forwarding socket, in
// slot order.
func (r *Relay) drainPeers(rs *unix.FdSet) {
	for i := 0; i < r.table.Cap(); i++ {
		e := r.table.Entry(i)
		if !e.InUse || !rs.IsSet(e.Sock) {
			continue
		}
		n, _, err := unix.Recvfrom(e.Sock, r.buf, 0)
		if err != nil || n <= 0 {
			if err != nil && err != unix.EAGAIN {
				obs.Debug("relay.recv.upstream", obs.Fields{"err": err.Error(), "peer": e.Peer.String()})
			}
			continue
		}
		r.table.Touch(i)
		m, err := r.tf.Transform(r.cfg.Mode, r.buf[:n], r.buf, r.cfg.Limit)
		if err != nil {
			obs.Warn("relay.transform", obs.Fields{"err": err.Error(), "peer": e.Peer.String()})
			r.counters.dropped("transform")
			continue
		}
		if err := unix.Sendto(r.listenFd, r.buf[:m], 0, e.Peer.sockaddr()); err != nil {
			obs.Warn("relay.send.peer", obs.Fields{"err": err.Error(), "peer": e.Peer.String()})
			obs.ErrorsTotal.WithLabelValues("send_peer").Inc()
			continue
		}
		r.counters.forwarded(dirDownstream, m)
	}
}

func (r *Relay) sweep() {
	evicted := r.table.EvictIdle(r.cfg.Timeout, func(_ int, e PeerEntry) {
		r.closeFlow(e, "idle")
		r.counters.evicted.Add(1)
		obs.FlowsEvictedTotal.Inc()
		obs.Info("relay.flow.purged", obs.Fields{"peer": e.Peer.String()})
	})
	if evicted {
		obs.Debug("relay.sweep", obs.Fields{"flows": r.table.Len()})
	}
	// Refilled buckets are dropped even when no flow was evicted, otherwise
	// sources that never get a slot would be tracked forever.
	if r.admit != nil {
		r.admit.Prune()
	}
}

// closeFlow releases the descriptor of an entry already removed from the
// table.
func (r *Relay) closeFlow(e PeerEntry, reason string) {
	unix.Close(e.Sock)
	r.active.Clear(e.Sock)
	r.ceil.NoteRemoved(e.Sock)
	r.counters.active.Store(int64(r.table.Len()))
	obs.ActiveFlows.Set(float64(r.table.Len()))
	r.journal.Record(flowEvent(proto.FlowClose, r.cfg.Mode, e.Peer, r.cfg.Upstream, reason))
}

func (r *Relay) wakeup() {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if r.wake[1] >= 0 {
		unix.Write(r.wake[1], []byte{1})
	}
}

func (r *Relay) drainWake() {
	var b [64]byte
	for {
		if n, err := unix.Read(r.wake[0], b[:]); err != nil || n <= 0 {
			return
		}
	}
}

// Close stops the relay and releases every descriptor. While Run is active
// it asks the loop to exit and waits for Run to release everything itself;
// otherwise it releases directly. Safe to call from any goroutine, any number
// of times.
func (r *Relay) Close() error {
	r.lifeMu.Lock()
	started := r.started
	r.closed = true
	r.lifeMu.Unlock()

	if started {
		r.stop.Store(true)
		r.wakeup()
		<-r.done
		return nil
	}
	r.release()
	return nil
}

// release runs on the goroutine that owns the table: Run's on exit, or
// Close's when Run never started.
func (r *Relay) release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.table.Each(func(idx int, e PeerEntry) {
		r.closeFlow(r.table.Release(idx), "shutdown")
	})
	r.active.Clear(r.listenFd)
	unix.Close(r.listenFd)
	r.listenFd = -1
	r.ceil.listen = -1
	r.ceil.Recompute()

	r.wakeMu.Lock()
	r.active.Clear(r.wake[0])
	unix.Close(r.wake[0])
	unix.Close(r.wake[1])
	r.wake = [2]int{-1, -1}
	r.wakeMu.Unlock()
}

func newUDPSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if fd >= fdSetSize {
		unix.Close(fd)
		return -1, ErrFDLimit
	}
	return fd, nil
}

// sockaddrOf converts a configured address; IPv4-mapped addresses use an
// AF_INET socket.
func sockaddrOf(ap netip.AddrPort) (unix.Sockaddr, int) {
	a := ap.Addr().Unmap()
	if a.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16(), ZoneId: zoneIndex(a.Zone())}, unix.AF_INET6
}

// zoneIndex accepts an interface name or a numeric scope id. Unknown names
// map to 0, which the kernel rejects for link-local addresses.
func zoneIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}

// peerOf keeps the scope id of link-local senders as a numeric zone so the
// reply goes out on the interface the datagram came in on.
func peerOf(sa unix.Sockaddr) (Peer, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return Peer{Family: unix.AF_INET, Addr: netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))}, true
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(a.Addr)
		if a.ZoneId != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(a.ZoneId), 10))
		}
		return Peer{Family: unix.AF_INET6, Addr: netip.AddrPortFrom(ip, uint16(a.Port))}, true
	}
	return Peer{}, false
}

// sockaddr keeps the family the peer was received on so replies leave
// through the same kind of socket.
func (p Peer) sockaddr() unix.Sockaddr {
	if p.Family == unix.AF_INET {
		return &unix.SockaddrInet4{Port: int(p.Addr.Port()), Addr: p.Addr.Addr().As4()}
	}
	a := p.Addr.Addr()
	return &unix.SockaddrInet6{Port: int(p.Addr.Port()), Addr: a.As16(), ZoneId: zoneIndex(a.Zone())}
}
