package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/udpmask/internal/mask"
	"github.com/matst80/udpmask/internal/obs"
	"github.com/matst80/udpmask/internal/proto"
	"github.com/matst80/udpmask/internal/ratelimit"
	"github.com/matst80/udpmask/internal/relay"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:   "udpmask -m mode -s mask -c remote -o remote_port",
		Short: "UDP relay that masks every datagram with a shared key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := cfg.validate()
			if err != nil {
				return err
			}
			// Past this point failures are runtime errors, reported through the logger.
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			if err := run(cmd.Context(), &cfg, mode); err != nil {
				obs.Error("udpmask.fatal", obs.Fields{"err": err.Error()})
				return err
			}
			return nil
		},
	}
	bindFlags(cmd.Flags(), &cfg)
	return cmd
}

func setupLogging(cfg *Config) {
	obs.SetFormat(cfg.LogFormat)
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.Syslog || isDaemonChild() {
		if err := obs.UseSyslog("udpmask"); err != nil {
			obs.Warn("log.syslog", obs.Fields{"err": err.Error()})
		}
	}
}

func run(ctx context.Context, cfg *Config, mode mask.Mode) error {
	setupLogging(cfg)

	m, err := mask.Load(cfg.MaskFile, mask.Algorithm(cfg.Algo))
	if err != nil {
		return errors.Wrapf(err, "load mask %s", cfg.MaskFile)
	}
	rc, err := cfg.relayConfig(ctx, mode)
	if err != nil {
		return err
	}
	obs.Info("udpmask.config", obs.Fields{"mode": mode.String(), "listen": rc.Listen.String(), "upstream": rc.Upstream.String(), "algo": string(m.Algorithm())})

	if cfg.Daemon && !isDaemonChild() {
		return daemonize()
	}
	if isDaemonChild() {
		detach()
	}
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			obs.Warn("pidfile.write", obs.Fields{"err": err.Error(), "path": cfg.PidFile})
		} else {
			defer removePidFile(cfg.PidFile)
		}
	}

	j, err := newJournal(cfg, proto.Instance{
		Mode:     mode.String(),
		Listen:   rc.Listen.String(),
		Upstream: rc.Upstream.String(),
		Started:  time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "flow journal")
	}
	defer j.Close()

	opts := []relay.Option{relay.WithJournal(j)}
	if a := ratelimit.NewAdmission(cfg.NewFlowRate, cfg.NewFlowPerIP, cfg.NewFlowBurst); a != nil {
		obs.Info("admission.enabled", obs.Fields{"rate": cfg.NewFlowRate, "per_ip": cfg.NewFlowPerIP, "burst": cfg.NewFlowBurst})
		opts = append(opts, relay.WithAdmission(a))
	}
	r, err := relay.New(rc, m, opts...)
	if err != nil {
		return errors.Wrapf(err, "listen %s", rc.Listen)
	}

	var st opsState
	if cfg.MetricsAddr != "" {
		srv := startOpsServer(cfg.MetricsAddr, r, &st)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	st.ready.Store(true)

	err = r.Run(ctx)
	st.closing.Store(true)
	obs.Info("udpmask.shutdown.complete", obs.Fields{"stats": r.Stats()})
	return err
}
