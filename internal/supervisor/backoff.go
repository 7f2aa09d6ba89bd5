package supervisor

import "time"

// backoffDelay returns the delay before restart attempt n (1-based):
// exponential growth from base with a hard ceiling at max. The same curve
// applies whether the trigger was a process exit or a failed health probe.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
