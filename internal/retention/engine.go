// Package retention bounds disk usage of the recording tree: time-based
// purge of aged hour buckets, per-camera quota enforcement, and reclamation
// of malformed entries. The engine is the only deleter of media; the
// supervisor is the only writer, and the two are partitioned by the guard
// window, so no filesystem-level locking is needed between them.
package retention

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/platform/metrics"
	"github.com/edgewatch/nvr-server/internal/storagepath"
	"go.uber.org/zap"
)

// ErrSweepBusy rejects a manual trigger while a sweep is in progress. A
// conflict signal, not a failure: the running sweep covers the request.
var ErrSweepBusy = errors.New("a retention sweep is already running")

// RecorderControl is the narrow supervisor surface quota enforcement uses
// when a camera's eviction policy is stop-recording.
type RecorderControl interface {
	HaltRecording(cameraID string) error
}

// SweepResult aggregates what one sweep did.
type SweepResult struct {
	BucketsDeleted int   `json:"buckets_deleted"`
	FilesDeleted   int   `json:"files_deleted"`
	BytesFreed     int64 `json:"bytes_freed"`
	// Failures counts entries that could not be removed; each is logged
	// and skipped, never aborting the remainder of the sweep.
	Failures int `json:"failures"`
}

func (r *SweepResult) add(o SweepResult) {
	r.BucketsDeleted += o.BucketsDeleted
	r.FilesDeleted += o.FilesDeleted
	r.BytesFreed += o.BytesFreed
	r.Failures += o.Failures
}

// Engine runs the retention sweeps. One instance per server, constructed
// explicitly and shared with the HTTP layer.
type Engine struct {
	log      *zap.Logger
	layout   *storagepath.Layout
	cameras  *camera.Set
	recorder RecorderControl
	metrics  *metrics.Metrics

	// Re-entrancy guards: one flag per sweep type covering all cameras.
	// An overlapping trigger is skipped, not queued.
	purgeRunning  atomic.Bool
	quotaRunning  atomic.Bool
	orphanRunning atomic.Bool

	policyMu sync.RWMutex
	policies map[string]camera.RetentionPolicy

	now func() time.Time
	loc *time.Location
}

// Options configures an Engine.
type Options struct {
	Layout   *storagepath.Layout
	Cameras  *camera.Set
	Recorder RecorderControl
	Metrics  *metrics.Metrics

	// Now overrides the wall clock in tests.
	Now func() time.Time
	// Location is the timezone bucket labels are interpreted in; defaults
	// to time.Local, matching the labels the supervisor writes.
	Location *time.Location
}

// NewEngine seeds per-camera policies from the camera set.
func NewEngine(log *zap.Logger, opt Options) *Engine {
	e := &Engine{
		log:      log.Named("retention"),
		layout:   opt.Layout,
		cameras:  opt.Cameras,
		recorder: opt.Recorder,
		metrics:  opt.Metrics,
		policies: make(map[string]camera.RetentionPolicy),
		now:      opt.Now,
		loc:      opt.Location,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	for _, cam := range opt.Cameras.All() {
		e.policies[cam.ID] = cam.Retention
	}
	return e
}

// Policy returns the current retention policy for a camera.
func (e *Engine) Policy(cameraID string) camera.RetentionPolicy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policies[cameraID]
}

// ApplyPolicies replaces retention policies at runtime (config watcher
// hook). Unknown camera IDs are ignored: the camera set itself is static.
func (e *Engine) ApplyPolicies(policies map[string]camera.RetentionPolicy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	for id, pol := range policies {
		if e.cameras.Has(id) {
			e.policies[id] = pol
		}
	}
}

// Run drives the periodic sweeps until ctx is cancelled. Each tick hands
// the sweep to its own goroutine so slow filesystem walks never delay the
// other cadence; the per-sweep guards make overlapping ticks no-ops.
func (e *Engine) Run(ctx context.Context, purgeInterval, quotaInterval time.Duration) {
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()
	quotaTicker := time.NewTicker(quotaInterval)
	defer quotaTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purgeTicker.C:
			go func() {
				if _, err := e.PurgeExpired(); err != nil && !errors.Is(err, ErrSweepBusy) {
					e.log.Error("purge sweep failed", zap.Error(err))
				}
			}()
		case <-quotaTicker.C:
			go func() {
				if _, err := e.EnforceQuotas(); err != nil && !errors.Is(err, ErrSweepBusy) {
					e.log.Error("quota sweep failed", zap.Error(err))
				}
			}()
		}
	}
}

// TriggerCleanup runs an immediate purge + quota pass. Both sweep flags are
// claimed before any filesystem work, so an ErrSweepBusy answer guarantees
// the trigger deleted nothing.
func (e *Engine) TriggerCleanup() (SweepResult, error) {
	if !e.purgeRunning.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepBusy
	}
	if !e.quotaRunning.CompareAndSwap(false, true) {
		e.purgeRunning.Store(false)
		return SweepResult{}, ErrSweepBusy
	}
	defer e.purgeRunning.Store(false)
	defer e.quotaRunning.Store(false)

	total := e.purgeExpired()
	total.add(e.enforceQuotas())
	return total, nil
}

// bucket is one hour directory of a camera's recording tree.
type bucket struct {
	dir   string
	date  string
	hour  string
	start time.Time
}

// listBuckets enumerates valid hour buckets for a camera, oldest first.
// Malformed entries are skipped here (orphan reclamation owns them).
func (e *Engine) listBuckets(cameraID string) ([]bucket, error) {
	recDir, err := e.layout.RecordingsDir(cameraID)
	if err != nil {
		return nil, err
	}

	dateEntries, err := os.ReadDir(recDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []bucket
	for _, de := range dateEntries {
		if !de.IsDir() || !storagepath.ValidDate(de.Name()) {
			continue
		}
		hourEntries, err := os.ReadDir(filepath.Join(recDir, de.Name()))
		if err != nil {
			continue
		}
		for _, he := range hourEntries {
			if !he.IsDir() || !storagepath.ValidHour(he.Name()) {
				continue
			}
			start, err := storagepath.BucketTime(de.Name(), he.Name(), e.loc)
			if err != nil {
				continue
			}
			out = append(out, bucket{
				dir:   filepath.Join(recDir, de.Name(), he.Name()),
				date:  de.Name(),
				hour:  he.Name(),
				start: start,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].start.Before(out[j].start) })
	return out, nil
}

// removeBucket measures then deletes one hour bucket. A failed removal is
// reported through the result, never as an error: the sweep moves on.
func (e *Engine) removeBucket(b bucket, res *SweepResult) {
	bytes, files := dirUsage(b.dir)

	if err := os.RemoveAll(b.dir); err != nil {
		e.log.Warn("bucket removal failed, skipping",
			zap.String("bucket", b.dir), zap.Error(err))
		res.Failures++
		return
	}

	// Drop the date directory too once its last hour is gone.
	_ = os.Remove(filepath.Dir(b.dir))

	res.BucketsDeleted++
	res.FilesDeleted += files
	res.BytesFreed += bytes
	e.metrics.AddReclaimed(bytes, files)
}

// dirUsage sums file sizes and counts under dir. Unreadable entries are
// counted as zero; deletion accounting is best-effort.
func dirUsage(dir string) (bytes int64, files int) {
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
		}
		files++
		return nil
	})
	return bytes, files
}
