package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/edgewatch/nvr-server/internal/storagepath"
	"go.uber.org/zap"
)

// fakeHandle stands in for a running encoder process. Exit is driven by the
// test (or by Stop, which models instant termination).
type fakeHandle struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	exitErr error
	tainted bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *fakeHandle) Tainted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tainted
}

func (h *fakeHandle) Stop() { h.exit(nil, false) }

func (h *fakeHandle) exit(err error, tainted bool) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitErr = err
		h.tainted = tainted
		h.mu.Unlock()
		close(h.done)
	})
}

// fakeLauncher hands out fakeHandles and records every launch.
type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	fail    bool
}

func (l *fakeLauncher) Launch(slotKey string, argv []string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("spawn refused")
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

func newTestSupervisor(t *testing.T, launcher Launcher, tweak func(*Options)) (*Supervisor, *status.Registry) {
	t.Helper()

	set, err := camera.NewSet([]camera.Camera{{ID: "cam1", Host: "10.0.0.5", Path: "/s"}})
	if err != nil {
		t.Fatal(err)
	}
	registry := status.NewRegistry()

	opt := Options{
		Cameras:  set,
		Layout:   storagepath.New(t.TempDir(), "/media", set),
		Launcher: launcher,
		Registry: registry,

		EncoderBinary:   "ffmpeg",
		SegmentDuration: 2 * time.Second,
		LiveWindowSize:  6,
		MinSegmentBytes: 1,

		HealthInterval:   time.Hour, // probing driven manually in tests
		StartupGrace:     5 * time.Millisecond,
		ExitRestartCap:   1,
		HealthRestartCap: 1,
		RestartCooldown:  time.Millisecond,
		BackoffBase:      time.Millisecond,
		BackoffMax:       4 * time.Millisecond,
		StopGrace:        10 * time.Millisecond,
		ShutdownDeadline: 200 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opt)
	}

	s := New(zap.NewNop(), opt)
	t.Cleanup(s.Shutdown)
	return s, registry
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func streamState(reg *status.Registry, kind camera.StreamKind) string {
	st, _ := reg.Get("cam1", kind)
	return st.State
}

func TestStartStream_idempotent(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _ := newTestSupervisor(t, launcher, nil)

	st, err := s.StartStream("cam1", camera.Live)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if st.State != string(StateStarting) {
		t.Errorf("state after start: %q", st.State)
	}

	// A second start while starting/running must not spawn another encoder.
	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatalf("second StartStream: %v", err)
	}
	if launcher.count() != 1 {
		t.Errorf("launch count: got %d, want 1", launcher.count())
	}
}

func TestStartStream_unknown(t *testing.T) {
	s, _ := newTestSupervisor(t, &fakeLauncher{}, nil)

	if _, err := s.StartStream("ghost", camera.Live); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("unknown camera: got %v", err)
	}
	if _, err := s.StartStream("cam1", camera.StreamKind("vod")); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("unknown kind: got %v", err)
	}
}

func TestStartStream_launchFailure(t *testing.T) {
	s, reg := newTestSupervisor(t, &fakeLauncher{fail: true}, nil)

	_, err := s.StartStream("cam1", camera.Live)
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	if got := streamState(reg, camera.Live); got != string(StateFailed) {
		t.Errorf("state: got %q, want failed", got)
	}
}

func TestStartupGracePromotesToRunning(t *testing.T) {
	s, reg := newTestSupervisor(t, &fakeLauncher{}, nil)

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running state", func() bool {
		return streamState(reg, camera.Live) == string(StateRunning)
	})
}

func TestStopStream(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, nil)

	if _, err := s.StartStream("cam1", camera.Recording); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StopStream("cam1", camera.Recording); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "stopped state", func() bool {
		return streamState(reg, camera.Recording) == string(StateStopped)
	})
	// An operator stop must never be answered with a restart.
	time.Sleep(20 * time.Millisecond)
	if launcher.count() != 1 {
		t.Errorf("launch count after stop: got %d, want 1", launcher.count())
	}
}

func TestUnexpectedExitRestartsThenFails(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, nil) // ExitRestartCap: 1

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}

	launcher.handle(0).exit(errors.New("exit status 1"), true)
	waitFor(t, "restart launch", func() bool { return launcher.count() == 2 })

	st, _ := reg.Get("cam1", camera.Live)
	if st.ExitRestarts != 1 {
		t.Errorf("exit restarts: got %d, want 1", st.ExitRestarts)
	}

	// Second unexpected exit exceeds the cap; the slot must fail and stay
	// failed without another launch.
	launcher.handle(1).exit(errors.New("exit status 1"), false)
	waitFor(t, "failed state", func() bool {
		return streamState(reg, camera.Live) == string(StateFailed)
	})
	time.Sleep(20 * time.Millisecond)
	if launcher.count() != 2 {
		t.Errorf("launch count: got %d, want 2", launcher.count())
	}

	st, _ = reg.Get("cam1", camera.Live)
	if st.LastError != ErrRestartExhausted.Error() {
		t.Errorf("last error: got %q", st.LastError)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, func(o *Options) {
		o.BackoffBase = 80 * time.Millisecond
		o.BackoffMax = 80 * time.Millisecond
	})

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	launcher.handle(0).exit(errors.New("exit status 1"), false)

	waitFor(t, "restart pending", func() bool {
		return streamState(reg, camera.Live) == string(StateStarting)
	})
	if _, err := s.StopStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}

	time.Sleep(120 * time.Millisecond)
	if launcher.count() != 1 {
		t.Errorf("restart fired despite stop: %d launches", launcher.count())
	}
	if got := streamState(reg, camera.Live); got != string(StateStopped) {
		t.Errorf("state: got %q, want stopped", got)
	}
}

func TestRestartStream_resetsFailedSlot(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, func(o *Options) { o.ExitRestartCap = 0 })

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	launcher.handle(0).exit(errors.New("exit status 1"), false)
	waitFor(t, "failed state", func() bool {
		return streamState(reg, camera.Live) == string(StateFailed)
	})

	st, err := s.RestartStream("cam1", camera.Live)
	if err != nil {
		t.Fatalf("RestartStream: %v", err)
	}
	if st.ExitRestarts != 0 || st.HealthRestarts != 0 {
		t.Errorf("counters not reset: %+v", st)
	}
	if launcher.count() != 2 {
		t.Errorf("launch count: got %d, want 2", launcher.count())
	}
}

func TestHealthRestartCycle(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, nil) // HealthRestartCap: 1

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running state", func() bool {
		return streamState(reg, camera.Live) == string(StateRunning)
	})

	sl := s.slots[StreamKey("cam1", camera.Live)]
	sl.onProbe("segment-stale")

	// Old invocation is torn down, a successor is launched.
	waitFor(t, "health restart launch", func() bool { return launcher.count() == 2 })
	select {
	case <-launcher.handle(0).Done():
	default:
		t.Error("stalled invocation was not stopped")
	}

	st, _ := reg.Get("cam1", camera.Live)
	if st.HealthRestarts != 1 {
		t.Errorf("health restarts: got %d, want 1", st.HealthRestarts)
	}

	// A sustained healthy streak recovers the slot and resets restart
	// accounting.
	waitFor(t, "successor adopted", func() bool {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		return sl.rec != nil
	})
	for i := 0; i < healthyResetStreak; i++ {
		sl.onProbe("")
	}
	st, _ = reg.Get("cam1", camera.Live)
	if st.State != string(StateRunning) || st.ExitRestarts != 0 || st.HealthRestarts != 0 {
		t.Errorf("after recovery: %+v", st)
	}
}

func TestHealthRestartCapFailsSlot(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, func(o *Options) { o.HealthRestartCap = 0 })

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running state", func() bool {
		return streamState(reg, camera.Live) == string(StateRunning)
	})

	sl := s.slots[StreamKey("cam1", camera.Live)]
	sl.onProbe("manifest-missing")

	waitFor(t, "failed state", func() bool {
		return streamState(reg, camera.Live) == string(StateFailed)
	})
	time.Sleep(20 * time.Millisecond)
	if launcher.count() != 1 {
		t.Errorf("launch count: got %d, want 1", launcher.count())
	}
}

func TestRotationRelaunchesRecordingOnly(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, nil)

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartStream("cam1", camera.Recording); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both running", func() bool {
		return streamState(reg, camera.Live) == string(StateRunning) &&
			streamState(reg, camera.Recording) == string(StateRunning)
	})

	s.rotateRecordings()

	waitFor(t, "rotation relaunch", func() bool { return launcher.count() == 3 })

	st, _ := reg.Get("cam1", camera.Recording)
	if st.ExitRestarts != 0 {
		t.Errorf("rotation must not count as a restart: %+v", st)
	}
	// The live slot keeps its original invocation.
	select {
	case <-launcher.handle(0).Done():
		t.Error("live invocation was disturbed by rotation")
	default:
	}
}

func TestHaltRecordingStopsOnlyRecording(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, nil)

	if _, err := s.StartStream("cam1", camera.Live); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartStream("cam1", camera.Recording); err != nil {
		t.Fatal(err)
	}

	if err := s.HaltRecording("cam1"); err != nil {
		t.Fatalf("HaltRecording: %v", err)
	}
	waitFor(t, "recording stopped", func() bool {
		return streamState(reg, camera.Recording) == string(StateStopped)
	})
	if got := streamState(reg, camera.Live); got == string(StateStopped) {
		t.Error("live slot was stopped too")
	}
}

func TestShutdownDrainsAll(t *testing.T) {
	launcher := &fakeLauncher{}
	s, reg := newTestSupervisor(t, launcher, nil)

	s.StartAll()
	if launcher.count() != 2 {
		t.Fatalf("StartAll launches: got %d, want 2", launcher.count())
	}

	s.Shutdown()

	for _, kind := range camera.Kinds {
		waitFor(t, "slot drained", func() bool {
			return streamState(reg, kind) == string(StateStopped)
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	base, max := time.Second, 30*time.Second

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{50, 30 * time.Second},
		{0, time.Second}, // clamped to first attempt
	} {
		if got := backoffDelay(base, max, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d): got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestUntilNextHour(t *testing.T) {
	now := time.Date(2026, 8, 31, 13, 59, 0, 0, time.UTC)
	if got := untilNextHour(now); got != time.Minute {
		t.Errorf("got %v, want 1m", got)
	}
}
