package storagepath

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	set, err := camera.NewSet([]camera.Camera{{ID: "cam1"}, {ID: "gate-east"}})
	if err != nil {
		t.Fatal(err)
	}
	return New("/srv/nvr", "/media", set)
}

func TestBucketDir(t *testing.T) {
	l := testLayout(t)

	dir, err := l.BucketDir("cam1", "2026-08-31", "14")
	if err != nil {
		t.Fatalf("BucketDir: %v", err)
	}
	want := filepath.Join("/srv/nvr", "cam1", "recordings", "2026-08-31", "14")
	if dir != want {
		t.Errorf("got %q, want %q", dir, want)
	}
}

func TestBucketDir_unknownCamera(t *testing.T) {
	l := testLayout(t)
	_, err := l.BucketDir("nope", "2026-08-31", "14")
	if err == nil {
		t.Fatal("expected error for unknown camera")
	}
}

func TestBucketDir_rejectsMalformedLabels(t *testing.T) {
	l := testLayout(t)

	for _, tc := range []struct{ date, hour string }{
		{"2026-8-31", "14"},
		{"2026-08-31", "24"},
		{"2026-08-31", "7"},
		{"2026-02-31", "10"}, // shape ok, impossible date
		{"../../etc", "10"},
	} {
		if _, err := l.BucketDir("cam1", tc.date, tc.hour); err == nil {
			t.Errorf("BucketDir(%q, %q): expected error", tc.date, tc.hour)
		}
	}
}

func TestBucketLabelsRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 31, 9, 42, 7, 0, time.UTC)
	date, hour := BucketLabels(at)
	if date != "2026-08-31" || hour != "09" {
		t.Fatalf("BucketLabels: got %q %q", date, hour)
	}

	start, err := BucketTime(date, hour, time.UTC)
	if err != nil {
		t.Fatalf("BucketTime: %v", err)
	}
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("BucketTime: got %v, want %v", start, want)
	}
}

func TestLivePaths(t *testing.T) {
	l := testLayout(t)

	man, err := l.LiveManifest("gate-east")
	if err != nil {
		t.Fatalf("LiveManifest: %v", err)
	}
	if want := filepath.Join("/srv/nvr", "gate-east", "live", "manifest"); man != want {
		t.Errorf("manifest: got %q, want %q", man, want)
	}

	pat, err := l.LiveSegmentPattern("gate-east")
	if err != nil {
		t.Fatalf("LiveSegmentPattern: %v", err)
	}
	if !strings.HasSuffix(pat, "segment%d.segment") {
		t.Errorf("pattern: got %q", pat)
	}
}

func TestURLRewrite(t *testing.T) {
	l := testLayout(t)

	url, err := l.URL("/srv/nvr/cam1/recordings/2026-08-31/14/4200.segment")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if want := "/media/cam1/recordings/2026-08-31/14/4200.segment"; url != want {
		t.Errorf("got %q, want %q", url, want)
	}
}

func TestURLRewrite_outsideRoot(t *testing.T) {
	l := testLayout(t)

	for _, p := range []string{"/etc/passwd", "/srv/nvr/../secrets", "/srv"} {
		if _, err := l.URL(p); err == nil {
			t.Errorf("URL(%q): expected error", p)
		}
	}
}

func TestValidSegmentName(t *testing.T) {
	for name, want := range map[string]bool{
		"4207.segment":     true,
		"0000.segment":     true,
		"420.segment":      false,
		"4207.ts":          false,
		"manifest":         false,
		"4207.segment.tmp": false,
	} {
		if got := ValidSegmentName(name); got != want {
			t.Errorf("ValidSegmentName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestValidLiveSegmentName(t *testing.T) {
	for name, want := range map[string]bool{
		"segment0.segment":   true,
		"segment1337.segment": true,
		"segment.segment":    false,
		"segmentx.segment":   false,
		"0000.segment":       false,
	} {
		if got := ValidLiveSegmentName(name); got != want {
			t.Errorf("ValidLiveSegmentName(%q) = %v, want %v", name, got, want)
		}
	}
}
