package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/platform/metrics"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/edgewatch/nvr-server/internal/storagepath"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handle is the contract one running encoder invocation offers the
// supervisor. The concrete implementation wraps an external process; tests
// substitute fakes.
type Handle interface {
	// Done fires once the invocation has fully terminated.
	Done() <-chan struct{}
	// ExitErr reports the exit error; valid only after Done fires.
	ExitErr() error
	// Tainted reports whether diagnostics matched a failure marker.
	Tainted() bool
	// Stop initiates graceful teardown with forceful escalation.
	Stop()
}

// Launcher spawns encoder invocations for slot keys.
type Launcher interface {
	Launch(slotKey string, argv []string) (Handle, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(slotKey string, argv []string) (Handle, error)

func (f LauncherFunc) Launch(slotKey string, argv []string) (Handle, error) {
	return f(slotKey, argv)
}

// probeConcurrency bounds how many health probes run at once; probes do
// filesystem I/O and must not starve the scheduler loop.
const probeConcurrency = 4

// Options configures a Supervisor. Zero durations/counts get sensible
// defaults from New.
type Options struct {
	Cameras  *camera.Set
	Layout   *storagepath.Layout
	Launcher Launcher
	Registry *status.Registry
	Metrics  *metrics.Metrics

	EncoderBinary   string
	SegmentDuration time.Duration
	LiveWindowSize  int
	MinSegmentBytes int64

	HealthInterval   time.Duration
	StallMultiplier  int
	StartupGrace     time.Duration
	ExitRestartCap   int
	HealthRestartCap int
	RestartCooldown  time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	StopGrace        time.Duration
	ShutdownDeadline time.Duration

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// Supervisor owns one slot per (camera, stream kind) and drives process
// lifecycle, health probing and hourly recording rotation. Constructed
// explicitly and passed by reference; there is no package-level instance.
type Supervisor struct {
	log *zap.Logger
	opt Options
	now func() time.Time

	// slots is built once in New and never mutated afterwards, so reads
	// need no lock. Per-slot state is guarded by each slot's own mutex.
	slots map[string]*slot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the supervisor with one idle slot per (camera, kind).
func New(log *zap.Logger, opt Options) *Supervisor {
	if opt.StartupGrace == 0 {
		opt.StartupGrace = 2 * time.Second
	}
	if opt.StallMultiplier == 0 {
		opt.StallMultiplier = 5
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:    log.Named("supervisor"),
		opt:    opt,
		now:    opt.Now,
		slots:  make(map[string]*slot),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, cam := range opt.Cameras.All() {
		for _, kind := range camera.Kinds {
			sl := &slot{
				sup:   s,
				cam:   cam,
				kind:  kind,
				state: StateIdle,
			}
			sl.log = s.log.With(zap.String("camera", cam.ID), zap.String("kind", string(kind)))
			s.slots[sl.key()] = sl

			sl.mu.Lock()
			sl.publishLocked()
			sl.mu.Unlock()
		}
	}

	return s
}

// StreamKey is the identifier a camera/kind pair is addressed by across the
// supervisor, the status registry, and the per-stream log buffers.
func StreamKey(cameraID string, kind camera.StreamKind) string {
	return cameraID + "/" + string(kind)
}

func (s *Supervisor) slot(cameraID string, kind camera.StreamKind) (*slot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownStream, kind)
	}
	sl, ok := s.slots[StreamKey(cameraID, kind)]
	if !ok {
		return nil, fmt.Errorf("%w: camera %q", ErrUnknownStream, cameraID)
	}
	return sl, nil
}

// StartStream launches the slot's encoder. Idempotent while the slot is
// already starting or running. Starting a failed slot resets its restart
// counters: an external start is the explicit intervention the failed state
// waits for.
func (s *Supervisor) StartStream(cameraID string, kind camera.StreamKind) (status.StreamStatus, error) {
	sl, err := s.slot(cameraID, kind)
	if err != nil {
		return status.StreamStatus{}, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	switch sl.state {
	case StateStarting, StateRunning, StateStopping:
		return sl.snapshotLocked(), nil
	}

	sl.exitRestarts = 0
	sl.healthRestarts = 0
	sl.healthyStreak = 0
	sl.unhealthy = false
	err = sl.startLocked("api")
	return sl.snapshotLocked(), err
}

// StopStream requests a graceful stop; no-op when already stopped.
func (s *Supervisor) StopStream(cameraID string, kind camera.StreamKind) (status.StreamStatus, error) {
	sl, err := s.slot(cameraID, kind)
	if err != nil {
		return status.StreamStatus{}, err
	}

	sl.requestStop()

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.snapshotLocked(), nil
}

// RestartStream tears the current invocation down completely, resets all
// restart accounting (including a failed slot), and launches fresh.
func (s *Supervisor) RestartStream(cameraID string, kind camera.StreamKind) (status.StreamStatus, error) {
	sl, err := s.slot(cameraID, kind)
	if err != nil {
		return status.StreamStatus{}, err
	}

	sl.mu.Lock()
	old := sl.rec
	sl.rec = nil
	sl.exitRestarts = 0
	sl.healthRestarts = 0
	sl.healthyStreak = 0
	sl.unhealthy = false
	sl.setStateLocked(StateStarting, "")
	sl.mu.Unlock()

	sl.drain(old)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state != StateStarting || sl.rec != nil {
		// An external stop raced the restart; honor it.
		return sl.snapshotLocked(), nil
	}
	err = sl.startLocked("api-restart")
	return sl.snapshotLocked(), err
}

// HaltRecording stops a camera's recording slot. This is the hook quota
// enforcement uses when a camera's eviction policy is stop-recording.
func (s *Supervisor) HaltRecording(cameraID string) error {
	_, err := s.StopStream(cameraID, camera.Recording)
	return err
}

// StartAll launches every slot at boot. Launch failures are surfaced per
// slot (failed state, operator-visible) and do not abort the rest.
func (s *Supervisor) StartAll() {
	for _, cam := range s.opt.Cameras.All() {
		for _, kind := range camera.Kinds {
			if _, err := s.StartStream(cam.ID, kind); err != nil {
				s.log.Error("initial start failed",
					zap.String("camera", cam.ID),
					zap.String("kind", string(kind)),
					zap.Error(err))
			}
		}
	}
}

// Run drives the periodic triggers: health probing and hourly recording
// rotation. Blocks until ctx is cancelled or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) {
	healthTicker := time.NewTicker(s.opt.HealthInterval)
	defer healthTicker.Stop()

	rotTimer := time.NewTimer(untilNextHour(s.now()))
	defer rotTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return

		case <-healthTicker.C:
			s.probeAll()

		case <-rotTimer.C:
			s.rotateRecordings()
			rotTimer.Reset(untilNextHour(s.now()))
		}
	}
}

// probeAll probes every live slot that currently owns an invocation, on a
// bounded worker pool so slow filesystem I/O for one camera cannot delay
// the others past the pool width.
func (s *Supervisor) probeAll() {
	now := s.now()

	g := new(errgroup.Group)
	g.SetLimit(probeConcurrency)

	for _, sl := range s.slots {
		if sl.kind != camera.Live {
			continue
		}
		sl := sl

		sl.mu.Lock()
		active := sl.rec != nil
		sl.mu.Unlock()
		if !active {
			continue
		}

		g.Go(func() error {
			condition := probeLive(
				s.opt.Layout, sl.cam.ID,
				s.opt.SegmentDuration, s.opt.StallMultiplier, s.opt.MinSegmentBytes,
				now,
			)
			sl.onProbe(condition)
			return nil
		})
	}

	g.Wait()
}

// rotateRecordings seals every active recording bucket and re-launches into
// the next hour. Live slots are unrelated records and are never touched.
func (s *Supervisor) rotateRecordings() {
	g := new(errgroup.Group)
	for _, sl := range s.slots {
		if sl.kind != camera.Recording {
			continue
		}
		sl := sl
		g.Go(func() error {
			sl.rotate()
			return nil
		})
	}
	g.Wait()
}

// Shutdown drains every slot and cancels all scheduled work, bounded by
// the configured shutdown deadline. Processes still alive at the deadline
// have already had SIGKILL escalation initiated by their Stop call.
func (s *Supervisor) Shutdown() {
	s.log.Info("shutting down, draining all slots")
	s.cancel()

	deadline := s.opt.ShutdownDeadline
	if deadline == 0 {
		deadline = 15 * time.Second
	}

	g := new(errgroup.Group)
	for _, sl := range s.slots {
		sl := sl
		g.Go(func() error {
			rec := sl.requestStop()
			if rec == nil {
				return nil
			}
			select {
			case <-rec.handle.Done():
			case <-time.After(deadline):
				sl.log.Warn("invocation still alive at shutdown deadline")
			}
			return nil
		})
	}
	g.Wait()

	s.log.Info("all slots drained")
}

// untilNextHour returns the wait to the next wall-clock hour boundary.
func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}
