//go:build !unix

package main

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

func isDaemonChild() bool { return false }

func daemonize() error { return errors.New("daemon mode is not supported on this platform") }

func detach() {}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidFile(path string) { _ = os.Remove(path) }
