package retention

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edgewatch/nvr-server/internal/storagepath"
	"go.uber.org/zap"
)

// ReclaimOrphans walks every camera's tree and deletes entries whose names
// fall outside the addressing grammar: non-date directories under
// recordings, non-hour directories under a date, and files that are neither
// segments nor manifests. This targets malformed entries, not aged-but-valid
// data, and runs on demand only.
func (e *Engine) ReclaimOrphans() (SweepResult, error) {
	if !e.orphanRunning.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepBusy
	}
	defer e.orphanRunning.Store(false)

	var res SweepResult

	for _, id := range e.cameras.IDs() {
		camDir, err := e.layout.CameraDir(id)
		if err != nil {
			continue
		}
		e.reclaimCamera(camDir, &res)
	}

	e.metrics.IncSweeps("orphan")
	e.log.Info("orphan sweep complete",
		zap.Int("files_deleted", res.FilesDeleted),
		zap.Int64("bytes_freed", res.BytesFreed),
		zap.Int("failures", res.Failures))
	return res, nil
}

func (e *Engine) reclaimCamera(camDir string, res *SweepResult) {
	entries, err := os.ReadDir(camDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		path := filepath.Join(camDir, entry.Name())
		switch entry.Name() {
		case "recordings":
			e.reclaimRecordings(path, res)
		case "live":
			e.reclaimLive(path, res)
		default:
			e.removeOrphan(path, res)
		}
	}
}

func (e *Engine) reclaimRecordings(recDir string, res *SweepResult) {
	dates, err := os.ReadDir(recDir)
	if err != nil {
		return
	}
	for _, de := range dates {
		datePath := filepath.Join(recDir, de.Name())
		if !de.IsDir() || !storagepath.ValidDate(de.Name()) {
			e.removeOrphan(datePath, res)
			continue
		}
		hours, err := os.ReadDir(datePath)
		if err != nil {
			continue
		}
		for _, he := range hours {
			hourPath := filepath.Join(datePath, he.Name())
			if !he.IsDir() || !storagepath.ValidHour(he.Name()) {
				e.removeOrphan(hourPath, res)
				continue
			}
			files, err := os.ReadDir(hourPath)
			if err != nil {
				continue
			}
			for _, fe := range files {
				if validBucketEntry(fe.Name()) {
					continue
				}
				e.removeOrphan(filepath.Join(hourPath, fe.Name()), res)
			}
		}
	}
}

func (e *Engine) reclaimLive(liveDir string, res *SweepResult) {
	files, err := os.ReadDir(liveDir)
	if err != nil {
		return
	}
	for _, fe := range files {
		if validLiveEntry(fe.Name()) {
			continue
		}
		e.removeOrphan(filepath.Join(liveDir, fe.Name()), res)
	}
}

// validBucketEntry accepts segments and the manifest inside an hour bucket.
func validBucketEntry(name string) bool {
	return name == storagepath.ManifestName || storagepath.ValidSegmentName(name)
}

// validLiveEntry additionally accepts the encoder's in-flight .tmp files so
// a sweep cannot race a segment mid-rename.
func validLiveEntry(name string) bool {
	name = strings.TrimSuffix(name, ".tmp")
	return name == storagepath.ManifestName || storagepath.ValidLiveSegmentName(name)
}

func (e *Engine) removeOrphan(path string, res *SweepResult) {
	bytes, files := dirUsage(path)

	if err := os.RemoveAll(path); err != nil {
		e.log.Warn("orphan removal failed, skipping",
			zap.String("path", path), zap.Error(err))
		res.Failures++
		return
	}

	e.log.Info("orphan removed", zap.String("path", path))
	res.FilesDeleted += files
	res.BytesFreed += bytes
	e.metrics.AddReclaimed(bytes, files)
}
