package manifest

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// The encoder maintains one manifest per stream: an ordered list of segment
// filenames, one per line, with `#` tag/comment lines interleaved. For the
// live stream old entries fall off the front as the window slides; for a
// recording bucket the list only grows until the hour is sealed.

var ErrNoSegments = errors.New("manifest references no segments")

// Manifest is the parsed view the health prober consumes.
type Manifest struct {
	// Segments holds segment filenames (no directory component) in
	// manifest order, oldest first.
	Segments []string
}

// Newest returns the last referenced segment filename.
func (m *Manifest) Newest() (string, error) {
	if len(m.Segments) == 0 {
		return "", ErrNoSegments
	}
	return m.Segments[len(m.Segments)-1], nil
}

// Len returns the number of referenced segments.
func (m *Manifest) Len() int { return len(m.Segments) }

// Parse reads manifest lines from s. Blank lines and `#`-prefixed lines are
// skipped; anything else is taken as a segment reference. References with
// directory components are reduced to their basename.
func Parse(s string) *Manifest {
	m := &Manifest{}
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.LastIndexByte(line, '/'); i >= 0 {
			line = line[i+1:]
		}
		m.Segments = append(m.Segments, line)
	}
	return m
}

// Load reads and parses the manifest at path. A missing file surfaces the
// os.ErrNotExist from ReadFile untouched so callers can distinguish
// "absent" from "empty".
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data)), nil
}
