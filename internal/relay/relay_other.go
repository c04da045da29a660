//go:build !linux

package relay

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
)

// Relay is only implemented on linux, where select(2) and the raw socket
// calls it relies on are available.
type Relay struct{}

func New(cfg Config, tf Transformer, opts ...Option) (*Relay, error) {
	return nil, errors.New("relay: unsupported platform")
}

func (r *Relay) LocalAddr() netip.AddrPort     { return netip.AddrPort{} }
func (r *Relay) Stats() Stats                  { return Stats{} }
func (r *Relay) Run(ctx context.Context) error { return ErrClosed }
func (r *Relay) Close() error                  { return nil }
