package encodercmd

import (
	"strconv"
	"strings"
	"time"
)

// Builder assembles the final argv for an external encoder invocation.
// Zero-value string fields are omitted entirely so the encoder never sees
// empty flag values.
type Builder struct {
	args []string
}

// New creates a builder pre-seeded with the encoder binary name.
func New(bin string) *Builder {
	return &Builder{args: []string{bin}}
}

// WithString adds a flag with a string value if val is non-empty.
func (b *Builder) WithString(flag, val string) *Builder {
	if strings.TrimSpace(val) != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithInt adds a flag with an integer value.
func (b *Builder) WithInt(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// WithSeconds adds a flag with d rendered as whole seconds.
func (b *Builder) WithSeconds(flag string, d time.Duration) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(int(d/time.Second)))
	return b
}

// WithRaw appends pre-formed arguments verbatim.
func (b *Builder) WithRaw(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Build returns the constructed argv slice (a private copy).
func (b *Builder) Build() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// LiveSpec describes one live-stream encoder invocation: pull the source,
// copy the video track, and emit a bounded sliding window of segments plus
// a windowed manifest. Old segments are deleted by the encoder itself as
// the window slides.
type LiveSpec struct {
	Binary          string
	InputURL        string
	Transport       string // rtsp transport preference; empty omits the flag
	SegmentDuration time.Duration
	WindowSize      int
	SegmentPattern  string // printf-style segment filename pattern
	ManifestPath    string
}

// BuildLiveArgs maps a LiveSpec onto encoder argv.
func BuildLiveArgs(s LiveSpec) []string {
	return New(s.Binary).
		WithRaw("-hide_banner", "-nostats", "-loglevel", "warning").
		WithString("-rtsp_transport", s.Transport).
		WithString("-i", s.InputURL).
		WithRaw("-an", "-c:v", "copy").
		WithRaw("-f", "hls").
		WithSeconds("-hls_time", s.SegmentDuration).
		WithInt("-hls_list_size", s.WindowSize).
		WithRaw("-hls_flags", "delete_segments+temp_file").
		WithString("-hls_segment_filename", s.SegmentPattern).
		WithRaw("-y").
		WithRaw(s.ManifestPath).
		Build()
}

// RecordingSpec describes one recording invocation: pull the source, copy
// all tracks, and append segments into a single hour bucket with an
// unbounded manifest. Rotation to the next bucket is the supervisor's job,
// not the encoder's.
type RecordingSpec struct {
	Binary          string
	InputURL        string
	Transport       string
	SegmentDuration time.Duration
	SegmentPattern  string // strftime-style segment filename pattern
	ManifestPath    string
}

// BuildRecordingArgs maps a RecordingSpec onto encoder argv.
func BuildRecordingArgs(s RecordingSpec) []string {
	return New(s.Binary).
		WithRaw("-hide_banner", "-nostats", "-loglevel", "warning").
		WithString("-rtsp_transport", s.Transport).
		WithString("-i", s.InputURL).
		WithRaw("-c", "copy").
		WithRaw("-f", "hls").
		WithSeconds("-hls_time", s.SegmentDuration).
		WithInt("-hls_list_size", 0).
		WithRaw("-strftime", "1").
		WithString("-hls_segment_filename", s.SegmentPattern).
		WithRaw("-y").
		WithRaw(s.ManifestPath).
		Build()
}
