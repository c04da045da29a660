//go:build windows || plan9

package obs

import "errors"

func UseSyslog(tag string) error { return errors.New("syslog is not available on this platform") }
