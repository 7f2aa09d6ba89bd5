// Package status is the shared read model between the supervisor core and
// the HTTP surface: a snapshot of every (camera, stream kind) slot, updated
// by the supervisor on each transition and read concurrently by handlers.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
)

// StreamStatus is the externally visible state of one stream slot.
type StreamStatus struct {
	Camera string            `json:"camera"`
	Kind   camera.StreamKind `json:"kind"`
	State  string            `json:"state"`

	// Healthy reflects the most recent live health probe; always true for
	// recording slots, which are watched through process exits only.
	Healthy bool `json:"healthy"`

	ExitRestarts   int    `json:"exit_restarts"`
	HealthRestarts int    `json:"health_restarts"`
	LastError      string `json:"last_error,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type key struct {
	cam  string
	kind camera.StreamKind
}

// Registry holds the latest StreamStatus per slot.
type Registry struct {
	mu sync.RWMutex
	m  map[key]StreamStatus
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[key]StreamStatus)}
}

// Set records the snapshot for one slot.
func (r *Registry) Set(s StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key{s.Camera, s.Kind}] = s
}

// Get returns the snapshot for one slot.
func (r *Registry) Get(cam string, kind camera.StreamKind) (StreamStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[key{cam, kind}]
	return s, ok
}

// All returns every slot snapshot, ordered by camera then kind for stable
// API output.
func (r *Registry) All() []StreamStatus {
	r.mu.RLock()
	out := make([]StreamStatus, 0, len(r.m))
	for _, s := range r.m {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Camera != out[j].Camera {
			return out[i].Camera < out[j].Camera
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// RunningCount returns how many slots are currently in the running state.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.m {
		if s.State == "running" {
			n++
		}
	}
	return n
}
