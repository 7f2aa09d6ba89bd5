package encoderproc

import "sync"

// LogManager holds per-slot diagnostic ring buffers. Buffers are created
// lazily and survive encoder restarts, so the tail of a crashed invocation
// stays readable while its successor spins up.
type LogManager struct {
	mu   sync.RWMutex
	bufs map[string]*logBuffer // slot key → ring buffer
}

// NewLogManager initializes an empty buffer registry.
func NewLogManager() *LogManager {
	return &LogManager{bufs: make(map[string]*logBuffer)}
}

// buffer returns the ring buffer for key, creating it if missing.
func (lm *LogManager) buffer(key string) *logBuffer {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if buf, ok := lm.bufs[key]; ok {
		return buf
	}
	buf := new(logBuffer)
	lm.bufs[key] = buf
	return buf
}

// Tail returns the last n diagnostic lines for key, newest first. The
// second return is false when no buffer exists for key yet.
func (lm *LogManager) Tail(key string, n int) ([]string, bool) {
	lm.mu.RLock()
	buf, ok := lm.bufs[key]
	lm.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return buf.Tail(n), true
}
