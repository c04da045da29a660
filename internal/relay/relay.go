// Package relay implements the udpmask forwarding engine: one listening UDP
// socket, a bounded table of per-peer forwarding sockets connected to a single
// upstream, and a select(2) loop that moves datagrams between them through the
// mask transform.
package relay

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/matst80/udpmask/internal/journal"
	"github.com/matst80/udpmask/internal/mask"
	"github.com/matst80/udpmask/internal/obs"
	"github.com/matst80/udpmask/internal/proto"
	"github.com/pkg/errors"
)

const (
	DefaultBufferSize = 64 * 1024
	DefaultMaxClients = 256
	DefaultTimeout    = 180 * time.Second
)

var (
	// ErrFDLimit is returned when the kernel hands out a descriptor select(2)
	// cannot watch.
	ErrFDLimit = errors.New("relay: descriptor exceeds FD_SETSIZE")
	ErrClosed  = errors.New("relay: closed")
)

// Transformer applies the packet transform. It must tolerate out aliasing in
// and never write past len(out).
type Transformer interface {
	Transform(mode mask.Mode, in, out []byte, limit int) (int, error)
}

// Admitter decides whether a new flow may be created for a source IP.
type Admitter interface {
	Allow(ip netip.Addr) bool
	Prune()
}

// Config is the relay's fixed configuration.
type Config struct {
	Mode     mask.Mode
	Listen   netip.AddrPort
	Upstream netip.AddrPort
	// Timeout <= 0 disables idle eviction.
	Timeout    time.Duration
	MaxClients int
	// Limit is passed to the transformer; negative means the whole packet.
	Limit      int
	BufferSize int
}

func (c *Config) setDefaults() error {
	if c.Mode != mask.ModeServer && c.Mode != mask.ModeClient {
		return mask.ErrInvalidMode
	}
	if !c.Upstream.IsValid() || c.Upstream.Port() == 0 {
		return errors.New("relay: upstream address required")
	}
	if !c.Listen.IsValid() {
		c.Listen = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return nil
}

// Option customizes a Relay.
type Option func(*options)

type options struct {
	journal   journal.Journal
	admit     Admitter
	clock     Clock
	newSocket func(family int) (int, error)
}

// WithJournal records flow open/close events.
func WithJournal(j journal.Journal) Option { return func(o *options) { o.journal = j } }

// WithAdmission limits how fast new flows are created.
func WithAdmission(a Admitter) Option { return func(o *options) { o.admit = a } }

// WithClock replaces time.Now for activity bookkeeping.
func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

// Stats is a point-in-time view of the relay counters.
type Stats struct {
	ActiveFlows  int64 `json:"active_flows"`
	Capacity     int   `json:"capacity"`
	FlowsOpened  int64 `json:"flows_opened"`
	FlowsEvicted int64 `json:"flows_evicted"`
	PacketsUp    int64 `json:"packets_upstream"`
	PacketsDown  int64 `json:"packets_downstream"`
	BytesUp      int64 `json:"bytes_upstream"`
	BytesDown    int64 `json:"bytes_downstream"`
	Drops        int64 `json:"drops"`
}

type counters struct {
	active, opened, evicted atomic.Int64
	pktUp, pktDown          atomic.Int64
	bytesUp, bytesDown      atomic.Int64
	drops                   atomic.Int64
}

func (c *counters) snapshot(capacity int) Stats {
	return Stats{
		ActiveFlows:  c.active.Load(),
		Capacity:     capacity,
		FlowsOpened:  c.opened.Load(),
		FlowsEvicted: c.evicted.Load(),
		PacketsUp:    c.pktUp.Load(),
		PacketsDown:  c.pktDown.Load(),
		BytesUp:      c.bytesUp.Load(),
		BytesDown:    c.bytesDown.Load(),
		Drops:        c.drops.Load(),
	}
}

const (
	dirUpstream   = "upstream"
	dirDownstream = "downstream"
)

func (c *counters) forwarded(dir string, n int) {
	if dir == dirUpstream {
		c.pktUp.Add(1)
		c.bytesUp.Add(int64(n))
	} else {
		c.pktDown.Add(1)
		c.bytesDown.Add(int64(n))
	}
	obs.PacketsTotal.WithLabelValues(dir).Inc()
	obs.BytesTotal.WithLabelValues(dir).Add(float64(n))
}

func (c *counters) dropped(reason string) {
	c.drops.Add(1)
	obs.DropsTotal.WithLabelValues(reason).Inc()
}

func flowEvent(typ string, mode mask.Mode, peer Peer, upstream netip.AddrPort, reason string) proto.FlowEvent {
	return proto.FlowEvent{
		Type:     typ,
		Mode:     mode.String(),
		Peer:     peer.String(),
		Upstream: upstream.String(),
		Reason:   reason,
		At:       time.Now().UTC(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
