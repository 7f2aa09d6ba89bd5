package retention

import (
	"sync"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// quotaConcurrency bounds parallel per-camera tree walks.
const quotaConcurrency = 2

// EnforceQuotas brings every over-quota camera back under its storage
// budget. Policy delete-oldest removes whole hour buckets oldest-first and
// stops as soon as usage is back under the limit; buckets inside the guard
// window are never deleted this way even when the camera stays over quota.
// Policy stop-recording signals the supervisor to halt the camera's
// recording slot instead of deleting anything.
func (e *Engine) EnforceQuotas() (SweepResult, error) {
	if !e.quotaRunning.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepBusy
	}
	defer e.quotaRunning.Store(false)

	return e.enforceQuotas(), nil
}

// enforceQuotas is the sweep body; the caller owns quotaRunning.
func (e *Engine) enforceQuotas() SweepResult {
	var (
		mu    sync.Mutex
		total SweepResult
	)

	g := new(errgroup.Group)
	g.SetLimit(quotaConcurrency)

	for _, cam := range e.cameras.All() {
		cam := cam
		g.Go(func() error {
			res := e.enforceCameraQuota(cam)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	e.metrics.IncSweeps("quota")
	if total.BucketsDeleted > 0 || total.Failures > 0 {
		e.log.Info("quota sweep complete",
			zap.Int("buckets_deleted", total.BucketsDeleted),
			zap.Int64("bytes_freed", total.BytesFreed),
			zap.Int("failures", total.Failures))
	}
	return total
}

func (e *Engine) enforceCameraQuota(cam *camera.Camera) SweepResult {
	var res SweepResult

	pol := e.Policy(cam.ID)
	if pol.QuotaBytes <= 0 {
		return res
	}

	camDir, err := e.layout.CameraDir(cam.ID)
	if err != nil {
		return res
	}
	usage, _ := dirUsage(camDir)
	if usage <= pol.QuotaBytes {
		return res
	}

	e.log.Warn("camera over storage quota",
		zap.String("camera", cam.ID),
		zap.Int64("usage_bytes", usage),
		zap.Int64("quota_bytes", pol.QuotaBytes),
		zap.String("eviction", string(pol.Eviction)))

	if pol.Eviction == camera.EvictStopRecording {
		if e.recorder != nil {
			if err := e.recorder.HaltRecording(cam.ID); err != nil {
				e.log.Error("failed to halt recording for over-quota camera",
					zap.String("camera", cam.ID), zap.Error(err))
			}
		}
		return res
	}

	buckets, err := e.listBuckets(cam.ID)
	if err != nil {
		res.Failures++
		return res
	}

	guardStart := e.now().Add(-pol.GuardWindow)
	for _, b := range buckets {
		if usage <= pol.QuotaBytes {
			break
		}
		if !b.start.Before(guardStart) {
			// Buckets are ordered oldest-first; everything from here on
			// is inside the guard window.
			break
		}
		bytesBefore := res.BytesFreed
		e.removeBucket(b, &res)
		usage -= res.BytesFreed - bytesBefore
	}

	return res
}
