package storagepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
)

// Layout maps (camera, stream kind, timestamp) onto the on-disk media tree
// and onto the URLs the static file server exposes. All mappings are pure;
// the only side effect offered is directory creation.
//
// Tree shape:
//
//	{root}/{camera}/recordings/{YYYY-MM-DD}/{HH}/{label}.segment
//	{root}/{camera}/recordings/{YYYY-MM-DD}/{HH}/manifest
//	{root}/{camera}/live/segment{N}.segment
//	{root}/{camera}/live/manifest
type Layout struct {
	root    string
	baseURL string
	cameras *camera.Set
}

// Naming grammar for tree entries. Validation happens here, at the
// addressing layer, so I/O code never sees malformed identifiers.
var (
	dateRe    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	hourRe    = regexp.MustCompile(`^([01]\d|2[0-3])$`)
	segmentRe = regexp.MustCompile(`^\d{4}\.segment$`)
	liveSegRe = regexp.MustCompile(`^segment\d+\.segment$`)
)

// ManifestName is the fixed filename of the per-bucket (and per-live)
// segment manifest.
const ManifestName = "manifest"

// SegmentExt is the extension of every media segment file.
const SegmentExt = ".segment"

var (
	ErrUnknownCamera = errors.New("unknown camera id")
	ErrBadDate       = errors.New("malformed date (want YYYY-MM-DD)")
	ErrBadHour       = errors.New("malformed hour (want 00..23)")
)

// New builds a Layout rooted at root. baseURL is the public prefix the
// static file server mounts the tree under (e.g. "/media").
func New(root, baseURL string, cameras *camera.Set) *Layout {
	return &Layout{root: root, baseURL: baseURL, cameras: cameras}
}

// Root returns the storage root directory.
func (l *Layout) Root() string { return l.root }

// CameraDir returns {root}/{camera}.
func (l *Layout) CameraDir(cameraID string) (string, error) {
	if !l.cameras.Has(cameraID) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCamera, cameraID)
	}
	return filepath.Join(l.root, cameraID), nil
}

// RecordingsDir returns {root}/{camera}/recordings.
func (l *Layout) RecordingsDir(cameraID string) (string, error) {
	dir, err := l.CameraDir(cameraID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "recordings"), nil
}

// BucketDir returns the hour bucket directory for the given date and hour
// labels, validating both against the naming grammar.
func (l *Layout) BucketDir(cameraID, date, hour string) (string, error) {
	dir, err := l.RecordingsDir(cameraID)
	if err != nil {
		return "", err
	}
	if !ValidDate(date) {
		return "", fmt.Errorf("%w: %q", ErrBadDate, date)
	}
	if !ValidHour(hour) {
		return "", fmt.Errorf("%w: %q", ErrBadHour, hour)
	}
	return filepath.Join(dir, date, hour), nil
}

// BucketDirAt returns the hour bucket directory for the wall-clock time t.
func (l *Layout) BucketDirAt(cameraID string, t time.Time) (string, error) {
	date, hour := BucketLabels(t)
	return l.BucketDir(cameraID, date, hour)
}

// BucketManifest returns the manifest path inside the bucket for time t.
func (l *Layout) BucketManifest(cameraID string, t time.Time) (string, error) {
	dir, err := l.BucketDirAt(cameraID, t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ManifestName), nil
}

// LiveDir returns {root}/{camera}/live.
func (l *Layout) LiveDir(cameraID string) (string, error) {
	dir, err := l.CameraDir(cameraID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "live"), nil
}

// LiveManifest returns the live manifest path.
func (l *Layout) LiveManifest(cameraID string) (string, error) {
	dir, err := l.LiveDir(cameraID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ManifestName), nil
}

// LiveSegmentPattern returns the printf-style segment filename pattern the
// encoder is pointed at for the live stream (monotonic index naming).
func (l *Layout) LiveSegmentPattern(cameraID string) (string, error) {
	dir, err := l.LiveDir(cameraID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "segment%d"+SegmentExt), nil
}

// BucketSegmentPattern returns the strftime-style segment filename pattern
// for the recording bucket of time t (minute+second label within the hour).
func (l *Layout) BucketSegmentPattern(cameraID string, t time.Time) (string, error) {
	dir, err := l.BucketDirAt(cameraID, t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "%M%S"+SegmentExt), nil
}

// EnsureDir creates dir (and parents) if missing. The single impure helper
// the addressing layer offers.
func (l *Layout) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// URL rewrites an absolute path inside the tree into its externally
// servable URL. Paths outside the root are rejected.
func (l *Layout) URL(fsPath string) (string, error) {
	rel, err := filepath.Rel(l.root, fsPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q outside storage root", fsPath)
	}
	return l.baseURL + "/" + filepath.ToSlash(rel), nil
}

// BucketLabels formats t into the (date, hour) directory labels.
func BucketLabels(t time.Time) (date, hour string) {
	return t.Format("2006-01-02"), t.Format("15")
}

// BucketTime parses (date, hour) labels back into the bucket's start time.
func BucketTime(date, hour string, loc *time.Location) (time.Time, error) {
	if !ValidDate(date) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, date)
	}
	if !ValidHour(hour) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadHour, hour)
	}
	return time.ParseInLocation("2006-01-02 15", date+" "+hour, loc)
}

// ValidDate reports whether s is a strict YYYY-MM-DD calendar date. The
// regexp gates the shape; time.Parse rejects impossible dates (2024-02-31).
func ValidDate(s string) bool {
	if !dateRe.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// ValidHour reports whether s is a two-digit 00..23 hour label.
func ValidHour(s string) bool { return hourRe.MatchString(s) }

// ValidSegmentName reports whether name is a recording bucket segment file.
func ValidSegmentName(name string) bool { return segmentRe.MatchString(name) }

// ValidLiveSegmentName reports whether name is a live window segment file.
func ValidLiveSegmentName(name string) bool { return liveSegRe.MatchString(name) }
