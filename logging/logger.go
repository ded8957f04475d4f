// Package logging builds the daemon's *logrus.Entry: a syslog hook for
// production deployment, a file handler for local debugging, and an
// optional stderr handler in foreground mode.
package logging

import (
	"io"
	"log/syslog"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// syslogTag identifies this daemon's entries in the system log.
const syslogTag = "qmemmand"

// Options configures Setup.
type Options struct {
	Level      logrus.Level
	LogFile    string // empty disables the file handler
	Foreground bool   // also log to stderr
}

// Setup builds the root logger entry. Subsystems derive their own child
// entry from it via WithField("source", ...).
func Setup(opts Options) (*logrus.Entry, error) {
	base := logrus.New()
	base.SetLevel(opts.Level)
	base.SetOutput(io.Discard) // replaced below if a stderr or file writer is configured

	var writers []io.Writer
	if opts.Foreground {
		writers = append(writers, os.Stderr)
	}

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		writers = append(writers, f)
	}

	if len(writers) > 0 {
		base.SetOutput(io.MultiWriter(writers...))
	}

	if hook, err := newSystemLogHook("", ""); err != nil {
		base.WithError(err).Warn("syslog unavailable; continuing without it")
	} else {
		base.Hooks.Add(hook)
	}

	return logrus.NewEntry(base), nil
}

// sysLogHook wraps the syslog hook together with the formatter it should
// use, independent of whatever formatter the base logger uses for its
// other writers.
type sysLogHook struct {
	shook     *lSyslog.SyslogHook
	formatter logrus.Formatter
}

func (h *sysLogHook) Levels() []logrus.Level {
	return h.shook.Levels()
}

func (h *sysLogHook) Fire(e *logrus.Entry) error {
	formatter := e.Logger.Formatter
	e.Logger.Formatter = h.formatter
	err := h.shook.Fire(e)
	e.Logger.Formatter = formatter
	return err
}

func newSystemLogHook(network, raddr string) (*sysLogHook, error) {
	hook, err := lSyslog.NewSyslogHook(network, raddr, syslog.LOG_INFO, syslogTag)
	if err != nil {
		return nil, err
	}
	return &sysLogHook{
		shook:     hook,
		formatter: &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano},
	}, nil
}
