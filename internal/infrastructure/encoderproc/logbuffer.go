package encoderproc

import "sync"

// logBuffer is a fixed-size circular buffer holding the most recent encoder
// diagnostic lines for one stream slot. Append is O(1); Tail copies out.
type logBuffer struct {
	entries [500]string
	head    int  // next write position
	size    int  // entries currently held
	full    bool // wrapped at least once
	mu      sync.RWMutex
}

// Append adds a line, overwriting the oldest once full.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	const capN = len(b.entries)

	b.entries[b.head] = line
	b.head = (b.head + 1) % capN

	if b.full {
		return
	}
	b.size++
	if b.size == capN {
		b.full = true
	}
}

// Tail returns the last n lines, newest first, as a fresh slice the caller
// owns. n <= 0 or n beyond capacity returns everything available.
func (b *logBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	const capN = len(b.entries)
	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > capN {
		n = capN
	}
	if n > b.size {
		n = b.size
	}

	var newest int
	if b.full {
		newest = (b.head - 1 + capN) % capN
	} else {
		newest = b.size - 1
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = b.entries[(newest-i+capN)%capN]
	}
	return out
}
