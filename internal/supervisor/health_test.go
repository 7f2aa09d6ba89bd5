package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/edgewatch/nvr-server/internal/storagepath"
)

func probeFixture(t *testing.T) (*storagepath.Layout, string) {
	t.Helper()
	set, err := camera.NewSet([]camera.Camera{{ID: "cam1"}})
	if err != nil {
		t.Fatal(err)
	}
	layout := storagepath.New(t.TempDir(), "/media", set)

	liveDir, err := layout.LiveDir("cam1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return layout, liveDir
}

func writeLive(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeLive(t *testing.T) {
	const (
		segDur   = 2 * time.Second
		mult     = 5
		minBytes = 4
	)
	now := time.Now()

	t.Run("manifest missing", func(t *testing.T) {
		layout, _ := probeFixture(t)
		if got := probeLive(layout, "cam1", segDur, mult, minBytes, now); got != condManifestMissing {
			t.Errorf("got %q", got)
		}
	})

	t.Run("manifest empty", func(t *testing.T) {
		layout, dir := probeFixture(t)
		writeLive(t, dir, "manifest", "#EXTM3U\n")
		if got := probeLive(layout, "cam1", segDur, mult, minBytes, now); got != condManifestEmpty {
			t.Errorf("got %q", got)
		}
	})

	t.Run("segment missing", func(t *testing.T) {
		layout, dir := probeFixture(t)
		writeLive(t, dir, "manifest", "segment7.segment\n")
		if got := probeLive(layout, "cam1", segDur, mult, minBytes, now); got != condSegmentMissing {
			t.Errorf("got %q", got)
		}
	})

	t.Run("segment stale", func(t *testing.T) {
		layout, dir := probeFixture(t)
		writeLive(t, dir, "manifest", "segment7.segment\n")
		seg := writeLive(t, dir, "segment7.segment", "datadata")
		old := now.Add(-time.Duration(mult)*segDur - time.Second)
		if err := os.Chtimes(seg, old, old); err != nil {
			t.Fatal(err)
		}
		if got := probeLive(layout, "cam1", segDur, mult, minBytes, now); got != condSegmentStale {
			t.Errorf("got %q", got)
		}
	})

	t.Run("segment too small", func(t *testing.T) {
		layout, dir := probeFixture(t)
		writeLive(t, dir, "manifest", "segment7.segment\n")
		writeLive(t, dir, "segment7.segment", "x")
		if got := probeLive(layout, "cam1", segDur, mult, minBytes, now); got != condSegmentSmall {
			t.Errorf("got %q", got)
		}
	})

	t.Run("healthy", func(t *testing.T) {
		layout, dir := probeFixture(t)
		writeLive(t, dir, "manifest", "segment6.segment\nsegment7.segment\n")
		writeLive(t, dir, "segment7.segment", "datadata")
		if got := probeLive(layout, "cam1", segDur, mult, minBytes, now); got != "" {
			t.Errorf("got %q, want healthy", got)
		}
	})
}
