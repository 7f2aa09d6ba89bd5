package retention

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgewatch/nvr-server/internal/storagepath"
)

// CameraStats is the on-demand storage picture for one camera. Computed by
// walking the tree; nothing is indexed or cached.
type CameraStats struct {
	Camera        string    `json:"camera"`
	BytesUsed     int64     `json:"bytes_used"`
	FileCount     int       `json:"file_count"`
	SegmentCount  int       `json:"segment_count"`
	OldestSegment time.Time `json:"oldest_segment,omitempty"`
	NewestSegment time.Time `json:"newest_segment,omitempty"`
}

// StorageStats aggregates every camera.
type StorageStats struct {
	Cameras       []CameraStats `json:"cameras"`
	TotalBytes    int64         `json:"total_bytes"`
	TotalFiles    int           `json:"total_files"`
	TotalSegments int           `json:"total_segments"`
}

// CameraStorageStats walks one camera's tree.
func (e *Engine) CameraStorageStats(cameraID string) (CameraStats, error) {
	camDir, err := e.layout.CameraDir(cameraID)
	if err != nil {
		return CameraStats{}, err
	}

	stats := CameraStats{Camera: cameraID}
	_ = filepath.WalkDir(camDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.FileCount++
		stats.BytesUsed += info.Size()

		if strings.HasSuffix(d.Name(), storagepath.SegmentExt) {
			stats.SegmentCount++
			mod := info.ModTime()
			if stats.OldestSegment.IsZero() || mod.Before(stats.OldestSegment) {
				stats.OldestSegment = mod
			}
			if mod.After(stats.NewestSegment) {
				stats.NewestSegment = mod
			}
		}
		return nil
	})

	return stats, nil
}

// StorageStats walks every camera's tree and aggregates.
func (e *Engine) StorageStats() (StorageStats, error) {
	var out StorageStats
	for _, id := range e.cameras.IDs() {
		cs, err := e.CameraStorageStats(id)
		if err != nil {
			return out, err
		}
		out.Cameras = append(out.Cameras, cs)
		out.TotalBytes += cs.BytesUsed
		out.TotalFiles += cs.FileCount
		out.TotalSegments += cs.SegmentCount
	}
	return out, nil
}
