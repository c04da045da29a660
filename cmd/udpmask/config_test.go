package main

import (
	"context"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matst80/udpmask/internal/mask"
	"github.com/spf13/pflag"
)

func parse(t *testing.T, args ...string) *Config {
	t.Helper()
	var cfg Config
	fs := pflag.NewFlagSet("udpmask", pflag.ContinueOnError)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := parse(t, "-m", "server", "-s", "mask.key", "-c", "192.0.2.10", "-o", "1194")
	mode, err := cfg.validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if mode != mask.ModeServer {
		t.Errorf("Expected server mode, got %s", mode)
	}
	if cfg.ListenPort != serverPort {
		t.Errorf("Expected default server port %d, got %d", serverPort, cfg.ListenPort)
	}
	if cfg.Timeout != 180 || cfg.MaskLimit != -1 || cfg.Listen != "0.0.0.0" {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	if cfg.PidFile != "" {
		t.Errorf("Expected no pidfile outside daemon mode, got %q", cfg.PidFile)
	}
}

func TestClientDefaultPort(t *testing.T) {
	cfg := parse(t, "--mode", "client", "--mask", "k", "--remote", "192.0.2.10", "--remote-port", "2271")
	if _, err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenPort != clientPort {
		t.Errorf("Expected default client port %d, got %d", clientPort, cfg.ListenPort)
	}

	cfg = parse(t, "-m", "client", "-s", "k", "-c", "192.0.2.10", "-o", "2271", "-p", "5000")
	cfg.validate()
	if cfg.ListenPort != 5000 {
		t.Errorf("Expected explicit port to win, got %d", cfg.ListenPort)
	}
}

func TestNegativeTimeoutIgnored(t *testing.T) {
	cfg := parse(t, "-m", "server", "-s", "k", "-c", "192.0.2.10", "-o", "1", "--timeout=-5")
	if _, err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Timeout != defaultTimeout {
		t.Errorf("Expected negative timeout to keep %d, got %d", defaultTimeout, cfg.Timeout)
	}

	cfg = parse(t, "-m", "server", "-s", "k", "-c", "192.0.2.10", "-o", "1", "-t", "0")
	cfg.validate()
	if cfg.Timeout != 0 {
		t.Errorf("Expected timeout 0 to disable eviction, got %d", cfg.Timeout)
	}
}

func TestDaemonPidFile(t *testing.T) {
	cfg := parse(t, "-m", "server", "-s", "k", "-c", "192.0.2.10", "-o", "1", "-d")
	if _, err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.PidFile != defaultPidFile {
		t.Errorf("Expected default pidfile %s, got %q", defaultPidFile, cfg.PidFile)
	}

	cfg = parse(t, "-m", "server", "-s", "k", "-c", "192.0.2.10", "-o", "1", "-P", "run/u.pid")
	cfg.validate()
	if !filepath.IsAbs(cfg.PidFile) || !strings.HasSuffix(cfg.PidFile, "run/u.pid") {
		t.Errorf("Expected pidfile to be made absolute, got %q", cfg.PidFile)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no mode", []string{"-s", "k", "-c", "h", "-o", "1"}, "invalid mode"},
		{"bad mode", []string{"-m", "relay", "-s", "k", "-c", "h", "-o", "1"}, "invalid mode"},
		{"no mask", []string{"-m", "server", "-c", "h", "-o", "1"}, "mask file required"},
		{"no remote", []string{"-m", "server", "-s", "k", "-o", "1"}, "remote address"},
		{"no remote port", []string{"-m", "server", "-s", "k", "-c", "h"}, "remote address"},
		{"bad listen", []string{"-m", "server", "-s", "k", "-c", "h", "-o", "1", "-l", "nope"}, "invalid listen"},
		{"bad algo", []string{"-m", "server", "-s", "k", "-c", "h", "-o", "1", "--algo", "rot13"}, "algorithm"},
		{"bad format", []string{"-m", "server", "-s", "k", "-c", "h", "-o", "1", "--log-format", "xml"}, "log format"},
		{"zero clients", []string{"-m", "server", "-s", "k", "-c", "h", "-o", "1", "--max-clients", "0"}, "max-clients"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.args...).validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRelayConfig(t *testing.T) {
	cfg := parse(t, "-m", "client", "-s", "k", "-c", "::ffff:192.0.2.10", "-o", "2271", "-l", "127.0.0.1", "-t", "30", "-L", "16")
	mode, err := cfg.validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	rc, err := cfg.relayConfig(context.Background(), mode)
	if err != nil {
		t.Fatalf("relayConfig: %v", err)
	}
	if rc.Upstream != netip.MustParseAddrPort("192.0.2.10:2271") {
		t.Errorf("Expected unmapped upstream, got %s", rc.Upstream)
	}
	if rc.Listen != netip.MustParseAddrPort("127.0.0.1:2272") {
		t.Errorf("Unexpected listen address %s", rc.Listen)
	}
	if rc.Timeout != 30*time.Second || rc.Limit != 16 || rc.Mode != mask.ModeClient {
		t.Errorf("Unexpected relay config %+v", rc)
	}
}
