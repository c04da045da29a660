//go:build unix

package main

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/matst80/udpmask/internal/obs"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// daemonEnv marks the re-executed child.
const daemonEnv = "UDPMASK_DAEMON"

func isDaemonChild() bool { return os.Getenv(daemonEnv) == "1" }

// daemonize starts a copy of this process in a new session and returns once
// it is running. The child finds the marker in its environment.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "daemonize")
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "daemonize")
	}
	defer null.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "daemonize")
	}
	obs.Info("daemon.started", obs.Fields{"pid": cmd.Process.Pid})
	return cmd.Process.Release()
}

// detach runs in the child once the mask and pidfile paths no longer need
// the starting working directory.
func detach() {
	unix.Umask(0o022)
	if err := unix.Chdir("/"); err != nil {
		obs.Warn("daemon.chdir", obs.Fields{"err": err.Error()})
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		obs.Warn("pidfile.remove", obs.Fields{"err": err.Error(), "path": path})
	}
}
