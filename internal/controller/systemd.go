package controller

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sd_notify states
const (
	SdReady    = daemon.SdNotifyReady
	SdStopping = daemon.SdNotifyStopping
	SdWatchdog = daemon.SdNotifyWatchdog
)

// SdNotifyFunc sends a state to the service manager. sent is false when the
// process does not run under systemd.
type SdNotifyFunc func(state string) (sent bool, err error)

func systemdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func systemdWatchdog() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

func (s *Scheduler) notifySystemd(state string) {
	sent, err := s.sd(state)
	if err != nil {
		s.log.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
		return
	}
	if sent && state != SdWatchdog {
		s.log.Debug().Str("state", state).Msg("sd_notify")
	}
}
