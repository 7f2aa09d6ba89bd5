//go:build linux

package encoderproc

import (
	"time"

	"go.uber.org/zap"
)

// Launcher spawns supervised encoder processes. One Launcher serves every
// stream slot; per-slot state lives in the returned Process and in the slot
// ring buffers.
type Launcher struct {
	log   *zap.Logger
	logs  *LogManager
	grace time.Duration
}

// NewLauncher builds a Launcher. grace bounds how long Stop waits between
// SIGTERM and SIGKILL.
func NewLauncher(log *zap.Logger, logs *LogManager, grace time.Duration) *Launcher {
	return &Launcher{log: log.Named("encoder"), logs: logs, grace: grace}
}

// Launch spawns argv for the given slot key and returns its handle. The
// slot's ring buffer is reused across invocations so diagnostics from a
// crashed predecessor remain readable.
func (l *Launcher) Launch(slotKey string, argv []string) (*Process, error) {
	return launch(
		l.log.With(zap.String("slot", slotKey)),
		l.logs.buffer(slotKey),
		argv,
		l.grace,
	)
}
