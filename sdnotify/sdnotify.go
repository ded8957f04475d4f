// Package sdnotify signals systemd service readiness via the
// NOTIFY_SOCKET protocol described in spec.md §6.
package sdnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
)

// Ready sends READY=1 to $NOTIFY_SOCKET if set. A no-op, returning
// (false, nil), when the variable is unset — the daemon was not started
// under systemd.
func Ready() (bool, error) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return false, errors.Wrap(err, "sd_notify READY=1")
	}
	return sent, nil
}
