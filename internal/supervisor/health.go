package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/edgewatch/nvr-server/internal/manifest"
	"github.com/edgewatch/nvr-server/internal/storagepath"
)

// Health probe conditions. Each one independently marks a live stream
// unhealthy; the first match wins.
const (
	condManifestMissing = "manifest-missing"
	condManifestEmpty   = "manifest-empty"
	condSegmentMissing  = "segment-missing"
	condSegmentStale    = "segment-stale"
	condSegmentSmall    = "segment-small"
)

// probeLive inspects the live manifest and its newest segment on disk.
// Returns the failed condition name, or "" when the stream looks alive.
// Pure filesystem reads; may block on I/O and therefore always runs off
// the scheduler loop.
func probeLive(layout *storagepath.Layout, cameraID string, segDur time.Duration, stallMultiplier int, minBytes int64, now time.Time) string {
	manifestPath, err := layout.LiveManifest(cameraID)
	if err != nil {
		return condManifestMissing
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return condManifestMissing
	}

	newest, err := m.Newest()
	if err != nil {
		return condManifestEmpty
	}

	liveDir, _ := layout.LiveDir(cameraID)
	info, err := os.Stat(filepath.Join(liveDir, newest))
	if err != nil {
		return condSegmentMissing
	}

	// The encoder should replace the newest segment roughly every segment
	// duration; a small multiple of silence means the stream stalled even
	// though the process lives.
	if now.Sub(info.ModTime()) > time.Duration(stallMultiplier)*segDur {
		return condSegmentStale
	}

	if info.Size() < minBytes {
		return condSegmentSmall
	}

	return ""
}
