package retention

import (
	"time"

	"go.uber.org/zap"
)

// PurgeExpired deletes, for every camera, each hour bucket fully older than
// the camera's retention duration. Buckets inside the guard window are
// never deleted here even when their age nominally qualifies. Returns
// ErrSweepBusy when a purge is already running.
func (e *Engine) PurgeExpired() (SweepResult, error) {
	if !e.purgeRunning.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepBusy
	}
	defer e.purgeRunning.Store(false)

	return e.purgeExpired(), nil
}

// purgeExpired is the sweep body; the caller owns purgeRunning.
func (e *Engine) purgeExpired() SweepResult {
	var res SweepResult
	now := e.now()

	for _, cam := range e.cameras.All() {
		pol := e.Policy(cam.ID)
		guardStart := now.Add(-pol.GuardWindow)

		buckets, err := e.listBuckets(cam.ID)
		if err != nil {
			e.log.Warn("bucket enumeration failed, skipping camera",
				zap.String("camera", cam.ID), zap.Error(err))
			res.Failures++
			continue
		}

		for _, b := range buckets {
			// A bucket expires only once the whole hour it covers is
			// older than the retention duration.
			end := b.start.Add(time.Hour)
			if now.Sub(end) <= pol.MaxAge {
				continue
			}
			if !b.start.Before(guardStart) {
				continue
			}
			e.removeBucket(b, &res)
		}
	}

	e.metrics.IncSweeps("purge")
	e.log.Info("purge sweep complete",
		zap.Int("buckets_deleted", res.BucketsDeleted),
		zap.Int("files_deleted", res.FilesDeleted),
		zap.Int64("bytes_freed", res.BytesFreed),
		zap.Int("failures", res.Failures))
	return res
}
