package main

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/matst80/udpmask/internal/mask"
	"github.com/matst80/udpmask/internal/relay"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	serverPort     = 2271
	clientPort     = 2272
	defaultTimeout = 180
	defaultPidFile = "/var/run/udpmask.pid"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	Mode       string
	MaskFile   string
	Algo       string
	Remote     string
	RemotePort uint16
	Listen     string
	ListenPort uint16
	// Timeout is in seconds; 0 disables idle eviction.
	Timeout    int
	MaskLimit  int
	MaxClients int
	BufferSize int

	Daemon    bool
	PidFile   string
	Debug     bool
	LogFormat string
	Syslog    bool

	MetricsAddr string

	NewFlowRate  int
	NewFlowPerIP int
	NewFlowBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.Mode, "mode", "m", "", "server or client")
	fs.StringVarP(&cfg.MaskFile, "mask", "s", "", "mask file")
	fs.StringVar(&cfg.Algo, "algo", string(mask.AlgoXOR), "mask algorithm: xor or chacha20")
	fs.StringVarP(&cfg.Remote, "remote", "c", "", "upstream host")
	fs.Uint16VarP(&cfg.RemotePort, "remote-port", "o", 0, "upstream port")
	fs.StringVarP(&cfg.Listen, "listen", "l", "0.0.0.0", "listen address")
	fs.Uint16VarP(&cfg.ListenPort, "listen-port", "p", 0, "listen port (default 2271 for server, 2272 for client)")
	fs.IntVarP(&cfg.Timeout, "timeout", "t", defaultTimeout, "idle flow timeout in seconds, 0 disables")
	fs.IntVarP(&cfg.MaskLimit, "mask-limit", "L", -1, "only mask the first N bytes of each packet, negative masks everything")
	fs.IntVar(&cfg.MaxClients, "max-clients", relay.DefaultMaxClients, "maximum number of concurrent flows")
	fs.IntVar(&cfg.BufferSize, "buffer-size", relay.DefaultBufferSize, "receive buffer size, larger datagrams are truncated")
	fs.BoolVarP(&cfg.Daemon, "daemon", "d", false, "run in the background and log to syslog")
	fs.StringVarP(&cfg.PidFile, "pidfile", "P", "", "pid file (default "+defaultPidFile+" when daemonized)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	fs.StringVar(&cfg.LogFormat, "log-format", "json", "log format: json or text")
	fs.BoolVar(&cfg.Syslog, "syslog", false, "send logs to syslog")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics and health listen address, disabled when empty")
	fs.IntVar(&cfg.NewFlowRate, "new-flow-rate", 0, "new flows per second, 0 disables the limit")
	fs.IntVar(&cfg.NewFlowPerIP, "new-flow-per-ip", 0, "new flows per second per source IP, 0 disables the limit")
	fs.IntVar(&cfg.NewFlowBurst, "new-flow-burst", 16, "burst size for the new flow limits")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the flow journal, disabled when empty")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database")
}

// validate checks the flags and fills in mode dependent defaults.
func (c *Config) validate() (mask.Mode, error) {
	mode, err := mask.ParseMode(c.Mode)
	if err != nil {
		return mask.ModeNone, errors.Errorf("invalid mode %q, expected server or client", c.Mode)
	}
	if c.MaskFile == "" {
		return mode, errors.New("mask file required")
	}
	switch mask.Algorithm(c.Algo) {
	case mask.AlgoXOR, mask.AlgoChaCha20:
	default:
		return mode, errors.Errorf("unknown mask algorithm %q", c.Algo)
	}
	if c.Remote == "" || c.RemotePort == 0 {
		return mode, errors.New("remote address and port required")
	}
	if _, err := netip.ParseAddr(c.Listen); err != nil {
		return mode, errors.Wrapf(err, "invalid listen address %q", c.Listen)
	}
	if c.ListenPort == 0 {
		c.ListenPort = serverPort
		if mode == mask.ModeClient {
			c.ListenPort = clientPort
		}
	}
	if c.Timeout < 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxClients <= 0 {
		return mode, errors.Errorf("max-clients must be positive, got %d", c.MaxClients)
	}
	if c.BufferSize <= 0 {
		return mode, errors.Errorf("buffer-size must be positive, got %d", c.BufferSize)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return mode, errors.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.Daemon && c.PidFile == "" {
		c.PidFile = defaultPidFile
	}
	// The daemon leaves its working directory before the pidfile is removed.
	if c.PidFile != "" {
		abs, err := filepath.Abs(c.PidFile)
		if err != nil {
			return mode, errors.Wrapf(err, "pidfile %q", c.PidFile)
		}
		c.PidFile = abs
	}
	return mode, nil
}

// relayConfig resolves the upstream once; the relay never resolves again.
func (c *Config) relayConfig(ctx context.Context, mode mask.Mode) (relay.Config, error) {
	listen, err := netip.ParseAddr(c.Listen)
	if err != nil {
		return relay.Config{}, errors.Wrapf(err, "invalid listen address %q", c.Listen)
	}
	remote, err := resolveHost(ctx, c.Remote)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Mode:       mode,
		Listen:     netip.AddrPortFrom(listen, c.ListenPort),
		Upstream:   netip.AddrPortFrom(remote, c.RemotePort),
		Timeout:    time.Duration(c.Timeout) * time.Second,
		MaxClients: c.MaxClients,
		Limit:      c.MaskLimit,
		BufferSize: c.BufferSize,
	}, nil
}

// resolveHost prefers an IPv4 address when the name has both.
func resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a.Unmap(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "resolve %s", host)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, errors.Errorf("resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}
