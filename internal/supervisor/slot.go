package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/encodercmd"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle phase of one stream slot.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	// StateFailed is terminal until an explicit external restart.
	StateFailed State = "failed"
)

// healthyResetStreak is how many consecutive good probes count as a
// sustained healthy period, after which restart counters reset to zero.
const healthyResetStreak = 3

// record is one encoder invocation: exclusively owned by its slot, never
// reused after exit. A fresh record (fresh uuid, fresh handle) is created
// for every restart, so a stale exit notification can never be confused
// with its successor.
type record struct {
	id        string
	handle    Handle
	startedAt time.Time

	// stopRequested marks the exit as operator-initiated. Guarded by the
	// owning slot's mutex.
	stopRequested bool
}

// slot serializes all lifecycle mutations for one (camera, kind) pair.
// Slots are independent: no cross-slot lock exists.
type slot struct {
	sup  *Supervisor
	log  *zap.Logger
	cam  *camera.Camera
	kind camera.StreamKind

	mu             sync.Mutex
	state          State
	rec            *record
	exitRestarts   int
	healthRestarts int
	healthyStreak  int
	unhealthy      bool
	lastRestartAt  time.Time
	lastErr        string
	startedAt      time.Time
}

func (s *slot) key() string { return StreamKey(s.cam.ID, s.kind) }

// setStateLocked transitions the slot and publishes the snapshot.
func (s *slot) setStateLocked(state State, lastErr string) {
	s.state = state
	s.lastErr = lastErr
	s.publishLocked()
}

func (s *slot) publishLocked() {
	if s.sup.opt.Registry == nil {
		return
	}
	s.sup.opt.Registry.Set(s.snapshotLocked())
}

func (s *slot) snapshotLocked() status.StreamStatus {
	return status.StreamStatus{
		Camera:         s.cam.ID,
		Kind:           s.kind,
		State:          string(s.state),
		Healthy:        !s.unhealthy,
		ExitRestarts:   s.exitRestarts,
		HealthRestarts: s.healthRestarts,
		LastError:      s.lastErr,
		StartedAt:      s.startedAt,
		UpdatedAt:      s.sup.now(),
	}
}

// buildArgv maps the slot onto a concrete encoder invocation through the
// addressing layer, creating the target directory as a side effect.
func (s *slot) buildArgv() ([]string, error) {
	o := &s.sup.opt

	switch s.kind {
	case camera.Live:
		dir, err := o.Layout.LiveDir(s.cam.ID)
		if err != nil {
			return nil, err
		}
		if err := o.Layout.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure live dir: %w", err)
		}
		pattern, _ := o.Layout.LiveSegmentPattern(s.cam.ID)
		man, _ := o.Layout.LiveManifest(s.cam.ID)
		return encodercmd.BuildLiveArgs(encodercmd.LiveSpec{
			Binary:          o.EncoderBinary,
			InputURL:        s.cam.SourceURL(),
			Transport:       s.cam.Transport,
			SegmentDuration: o.SegmentDuration,
			WindowSize:      o.LiveWindowSize,
			SegmentPattern:  pattern,
			ManifestPath:    man,
		}), nil

	case camera.Recording:
		now := s.sup.now()
		dir, err := o.Layout.BucketDirAt(s.cam.ID, now)
		if err != nil {
			return nil, err
		}
		if err := o.Layout.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure bucket dir: %w", err)
		}
		pattern, _ := o.Layout.BucketSegmentPattern(s.cam.ID, now)
		man, _ := o.Layout.BucketManifest(s.cam.ID, now)
		return encodercmd.BuildRecordingArgs(encodercmd.RecordingSpec{
			Binary:          o.EncoderBinary,
			InputURL:        s.cam.SourceURL(),
			Transport:       s.cam.Transport,
			SegmentDuration: o.SegmentDuration,
			SegmentPattern:  pattern,
			ManifestPath:    man,
		}), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownStream, s.kind)
}

// startLocked launches a fresh encoder invocation for the slot. On launch
// failure the slot fails fast (no synchronous retry) and the error is
// surfaced to the caller.
func (s *slot) startLocked(reason string) error {
	argv, err := s.buildArgv()
	if err != nil {
		s.setStateLocked(StateFailed, err.Error())
		return err
	}

	handle, err := s.sup.opt.Launcher.Launch(s.key(), argv)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrLaunch, err)
		s.setStateLocked(StateFailed, err.Error())
		s.log.Error("launch failed", zap.String("reason", reason), zap.Error(err))
		return err
	}

	rec := &record{id: uuid.NewString(), handle: handle, startedAt: s.sup.now()}
	s.rec = rec
	s.startedAt = rec.startedAt
	s.setStateLocked(StateStarting, "")
	s.log.Info("encoder invocation started",
		zap.String("invocation", rec.id),
		zap.String("reason", reason))

	s.sup.wg.Add(1)
	go s.watch(rec)

	// The slot counts as running once the encoder survives the startup
	// grace; for live slots the health prober may promote it earlier.
	time.AfterFunc(s.sup.opt.StartupGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.rec == rec && s.state == StateStarting {
			s.setStateLocked(StateRunning, "")
		}
	})

	return nil
}

// watch handles this record's exit: matched by record identity so that a
// predecessor's exit can never touch a successor.
func (s *slot) watch(rec *record) {
	defer s.sup.wg.Done()
	<-rec.handle.Done()

	s.mu.Lock()

	if s.rec != rec {
		// The slot was handed to a successor (rotation or health restart
		// detached this record); its exit is history.
		s.mu.Unlock()
		return
	}
	s.rec = nil

	if rec.stopRequested {
		s.setStateLocked(StateStopped, "")
		s.mu.Unlock()
		s.log.Info("encoder stopped", zap.String("invocation", rec.id))
		return
	}

	exitErr := rec.handle.ExitErr()
	tainted := rec.handle.Tainted()

	s.exitRestarts++
	attempt := s.exitRestarts

	if attempt > s.sup.opt.ExitRestartCap {
		s.setStateLocked(StateFailed, ErrRestartExhausted.Error())
		s.mu.Unlock()
		s.log.Error("exit restart attempts exhausted, slot failed",
			zap.Int("attempts", attempt-1))
		return
	}

	s.setStateLocked(StateStarting, exitDescription(exitErr, tainted))
	delay := s.restartDelayLocked(attempt)
	s.lastRestartAt = s.sup.now()
	s.mu.Unlock()

	s.sup.opt.Metrics.IncRestarts(s.cam.ID, string(s.kind), "process-exit")
	s.log.Warn("encoder exited unexpectedly, restart scheduled",
		zap.String("invocation", rec.id),
		zap.Bool("tainted", tainted),
		zap.NamedError("exit", exitErr),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	s.deferredStart(delay, "process-exit")
}

// deferredStart re-launches after delay unless the slot was stopped or
// restarted externally in the meantime.
func (s *slot) deferredStart(delay time.Duration, reason string) {
	s.sup.wg.Add(1)
	go func() {
		defer s.sup.wg.Done()

		select {
		case <-s.sup.ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateStarting || s.rec != nil {
			return
		}
		if err := s.startLocked(reason); err != nil {
			s.log.Error("deferred start failed", zap.Error(err))
		}
	}()
}

// restartDelayLocked combines the backoff curve with the configured minimum
// cooldown since the previous restart.
func (s *slot) restartDelayLocked(attempt int) time.Duration {
	delay := backoffDelay(s.sup.opt.BackoffBase, s.sup.opt.BackoffMax, attempt)
	if !s.lastRestartAt.IsZero() {
		if since := s.sup.now().Sub(s.lastRestartAt); since < s.sup.opt.RestartCooldown {
			if rem := s.sup.opt.RestartCooldown - since; rem > delay {
				delay = rem
			}
		}
	}
	return delay
}

// onProbe applies one live health probe result. condition is "" when the
// probe found the stream alive.
func (s *slot) onProbe(condition string) {
	s.mu.Lock()

	if condition == "" {
		s.healthyStreak++
		wasUnhealthy := s.unhealthy
		s.unhealthy = false
		// Recovery: health back while the slot was not yet marked running.
		if s.state == StateStarting && s.rec != nil {
			s.exitRestarts = 0
			s.healthRestarts = 0
			s.setStateLocked(StateRunning, "")
		} else if s.healthyStreak >= healthyResetStreak && s.state == StateRunning &&
			(s.exitRestarts > 0 || s.healthRestarts > 0) {
			s.exitRestarts = 0
			s.healthRestarts = 0
			s.publishLocked()
		} else if wasUnhealthy {
			s.publishLocked()
		}
		s.mu.Unlock()
		return
	}

	s.healthyStreak = 0
	s.sup.opt.Metrics.IncHealthFailure(s.cam.ID, condition)

	if s.state != StateRunning {
		// Starting or stopping slots are expected to look dead; the exit
		// path and startup grace own those transitions.
		s.mu.Unlock()
		return
	}

	s.unhealthy = true
	s.healthRestarts++
	attempt := s.healthRestarts

	if attempt > s.sup.opt.HealthRestartCap {
		old := s.rec
		s.rec = nil
		s.setStateLocked(StateFailed, ErrRestartExhausted.Error())
		s.mu.Unlock()
		if old != nil {
			old.handle.Stop()
		}
		s.log.Error("health restart attempts exhausted, slot failed",
			zap.String("condition", condition),
			zap.Int("attempts", attempt-1))
		return
	}

	old := s.rec
	s.rec = nil
	s.setStateLocked(StateStarting, fmt.Sprintf("%s: %s", ErrStreamStalled, condition))
	delay := s.restartDelayLocked(attempt)
	s.lastRestartAt = s.sup.now()
	s.mu.Unlock()

	s.sup.opt.Metrics.IncRestarts(s.cam.ID, string(s.kind), "health")
	s.log.Warn("live stream unhealthy, restart scheduled",
		zap.String("condition", condition),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	s.sup.wg.Add(1)
	go func() {
		defer s.sup.wg.Done()
		// Full teardown of the stalled invocation first; the deferred
		// start then applies the backoff delay.
		s.drain(old)
		s.deferredStart(delay, "health")
	}()
}

// drain stops old (if any) and waits for it to be fully reaped, bounded by
// the stop grace plus slack for the SIGKILL escalation.
func (s *slot) drain(old *record) {
	if old == nil {
		return
	}
	old.handle.Stop()
	select {
	case <-old.handle.Done():
	case <-time.After(s.sup.opt.StopGrace + 2*time.Second):
		s.log.Warn("previous invocation not reaped within teardown bound",
			zap.String("invocation", old.id))
	}
}

// requestStop initiates a graceful stop; idempotent. Returns the record
// being drained, or nil when there was nothing to stop.
func (s *slot) requestStop() *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.rec
	if rec == nil {
		// A pending deferred restart holds StateStarting with no record;
		// stopping must cancel it.
		if s.state == StateStarting {
			s.setStateLocked(StateStopped, "")
		}
		return nil
	}
	if rec.stopRequested {
		return rec
	}
	rec.stopRequested = true
	s.setStateLocked(StateStopping, "")
	rec.handle.Stop()
	return rec
}

// rotate seals the current recording bucket and re-launches into the next
// one. Counters are untouched: rotation is routine, not a fault.
func (s *slot) rotate() {
	s.mu.Lock()
	if s.kind != camera.Recording || s.rec == nil ||
		(s.state != StateRunning && s.state != StateStarting) {
		s.mu.Unlock()
		return
	}
	old := s.rec
	s.rec = nil
	s.setStateLocked(StateStarting, "")
	s.mu.Unlock()

	s.log.Info("rotating recording bucket", zap.String("invocation", old.id))
	s.drain(old)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting || s.rec != nil {
		return
	}
	if err := s.startLocked("rotation"); err != nil {
		s.log.Error("rotation restart failed", zap.Error(err))
	}
}

func exitDescription(exitErr error, tainted bool) string {
	switch {
	case exitErr != nil && tainted:
		return fmt.Sprintf("faulted (tainted): %v", exitErr)
	case exitErr != nil:
		return fmt.Sprintf("faulted: %v", exitErr)
	case tainted:
		return "exited clean but tainted"
	default:
		return "exited unexpectedly"
	}
}
