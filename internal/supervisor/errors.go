package supervisor

import "errors"

var (
	// ErrUnknownStream means the (camera, kind) pair is not a configured slot.
	ErrUnknownStream = errors.New("unknown camera or stream kind")

	// ErrLaunch means the encoder executable could not be spawned. The start
	// attempt fails fast; it is never retried synchronously.
	ErrLaunch = errors.New("encoder launch failed")

	// ErrStreamStalled means a live health probe found the stream dead even
	// though the encoder process is alive.
	ErrStreamStalled = errors.New("stream stalled")

	// ErrRestartExhausted means the bounded restart attempts were used up.
	// The slot is failed until an explicit external restart.
	ErrRestartExhausted = errors.New("restart attempts exhausted")
)
