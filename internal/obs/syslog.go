//go:build !windows && !plan9

package obs

import (
	"io"
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// UseSyslog sends every log line to the local syslog daemon under tag and
// silences the regular output.
func UseSyslog(tag string) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	base.AddHook(hook)
	base.SetOutput(io.Discard)
	return nil
}
