package camera

import (
	"fmt"
	"net/url"
	"time"
)

// StreamKind distinguishes the two encoder slots a camera owns.
type StreamKind string

const (
	// Live is the ephemeral low-latency stream: a bounded sliding window of
	// segments, overwritten continuously.
	Live StreamKind = "live"
	// Recording is the durable stream: hour-scoped append-only buckets,
	// rotated on wall-clock boundaries and reclaimed by retention.
	Recording StreamKind = "recording"
)

// Kinds lists every stream kind a camera owns.
var Kinds = []StreamKind{Live, Recording}

// Valid reports whether k is a known stream kind.
func (k StreamKind) Valid() bool { return k == Live || k == Recording }

func (k StreamKind) String() string { return string(k) }

// EvictionPolicy selects what quota enforcement does when a camera is over
// its storage quota.
type EvictionPolicy string

const (
	// EvictDeleteOldest deletes whole hour buckets oldest-first until the
	// camera is back under quota.
	EvictDeleteOldest EvictionPolicy = "delete-oldest"
	// EvictStopRecording halts the camera's recording slot instead of
	// deleting data.
	EvictStopRecording EvictionPolicy = "stop-recording"
)

// Valid reports whether p is a known eviction policy.
func (p EvictionPolicy) Valid() bool {
	return p == EvictDeleteOldest || p == EvictStopRecording
}

// RetentionPolicy bounds a single camera's disk footprint.
type RetentionPolicy struct {
	// MaxAge is how long recording buckets are kept before time-based purge.
	MaxAge time.Duration
	// QuotaBytes is the camera's storage budget. Zero disables quota
	// enforcement for the camera.
	QuotaBytes int64
	// GuardWindow protects the most recent hours from quota eviction and
	// purge regardless of age or size. Must cover at least the bucket
	// currently being written.
	GuardWindow time.Duration
	// Eviction selects the over-quota action.
	Eviction EvictionPolicy
}

// Camera is one configured video source. The camera set is loaded once at
// startup and never mutated at runtime; retention policies alone may be
// re-applied by the config watcher.
type Camera struct {
	ID        string
	Host      string
	Port      int
	Username  string
	Password  string
	Path      string
	Transport string // "tcp" or "udp"; empty lets the encoder decide

	Retention RetentionPolicy
}

// SourceURL builds the RTSP URL the encoder pulls from. Credentials are
// escaped; the path is used verbatim (it comes from trusted config).
func (c *Camera) SourceURL() string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	if c.Username == "" {
		return fmt.Sprintf("rtsp://%s%s", host, c.Path)
	}
	return fmt.Sprintf("rtsp://%s@%s%s",
		url.UserPassword(c.Username, c.Password).String(), host, c.Path)
}

// Set is the immutable camera registry keyed by ID.
type Set struct {
	byID  map[string]*Camera
	order []string
}

// NewSet indexes cameras by ID. Duplicate IDs are rejected.
func NewSet(cams []Camera) (*Set, error) {
	s := &Set{byID: make(map[string]*Camera, len(cams))}
	for i := range cams {
		c := cams[i]
		if c.ID == "" {
			return nil, fmt.Errorf("camera %d: empty id", i)
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate camera id %q", c.ID)
		}
		s.byID[c.ID] = &c
		s.order = append(s.order, c.ID)
	}
	return s, nil
}

// Get returns the camera for id, or nil when unknown.
func (s *Set) Get(id string) *Camera { return s.byID[id] }

// Has reports whether id names a configured camera.
func (s *Set) Has(id string) bool { _, ok := s.byID[id]; return ok }

// IDs returns camera IDs in configuration order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// All returns cameras in configuration order.
func (s *Set) All() []*Camera {
	out := make([]*Camera, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of configured cameras.
func (s *Set) Len() int { return len(s.order) }
