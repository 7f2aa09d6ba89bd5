//go:build linux

package encoderproc

import (
	"bufio"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// failureMarkers is the diagnostic vocabulary that taints an invocation.
// Matching is case-insensitive substring over stderr lines. The encoder may
// keep running after printing one of these; the taint is consulted at exit
// time to distinguish a clean stop from a faulted one.
var failureMarkers = []string{
	"fatal",
	"error",
	"invalid data",
	"unable to open",
	"connection refused",
	"connection timed out",
	"no route to host",
	"401 unauthorized",
	"describe failed",
	"broken pipe",
}

// Process wraps one running external encoder invocation:
//   - child isolated into its own process group (Setpgid)
//   - SIGKILL tied to parent death (Pdeathsig)
//   - stderr drained continuously into the slot's ring buffer
//   - failure-marker detection → tainted flag
//   - deterministic teardown: SIGTERM → grace → SIGKILL on the group
//
// A Process is single-use. Once Done() fires it is never restarted; the
// supervisor replaces it wholesale.
type Process struct {
	log    *zap.Logger
	buf    *logBuffer
	cmd    *exec.Cmd
	stderr io.ReadCloser
	grace  time.Duration

	pid     int
	tainted atomic.Bool

	// exitErr is written exactly once, before done closes.
	exitErr error
	done    chan struct{}

	stopOnce sync.Once
}

// launch spawns argv and begins supervision. Spawn failure is returned
// directly; no retry happens at this layer.
func launch(log *zap.Logger, buf *logBuffer, argv []string, grace time.Duration) (*Process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		log:    log,
		buf:    buf,
		cmd:    cmd,
		stderr: stderr,
		grace:  grace,
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
	}

	log.Info("encoder started", zap.Int("pid", p.pid))
	go p.supervise()
	return p, nil
}

// supervise drains stderr until the pipe closes, reaps the child exactly
// once, records the exit error, and fires Done.
func (p *Process) supervise() {
	p.scanStderr()

	p.exitErr = p.cmd.Wait()
	if p.exitErr != nil {
		if eerr, ok := p.exitErr.(*exec.ExitError); ok {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.log.Warn("encoder exited with error status",
				zap.Int("pid", p.pid),
				zap.Int("exit_code", status.ExitStatus()),
				zap.Bool("signaled", status.Signaled()))
		} else {
			p.log.Error("failed to reap encoder", zap.Int("pid", p.pid), zap.Error(p.exitErr))
		}
	} else {
		p.log.Info("encoder exited cleanly", zap.Int("pid", p.pid))
	}

	close(p.done)
}

// scanStderr streams the encoder's diagnostic output line-by-line into the
// ring buffer and flags failure markers. Never blocks the caller's path:
// runs on the supervise goroutine only.
func (p *Process) scanStderr() {
	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		p.buf.Append(line)

		lower := strings.ToLower(line)
		for _, marker := range failureMarkers {
			if strings.Contains(lower, marker) {
				if p.tainted.CompareAndSwap(false, true) {
					p.log.Warn("encoder output matched failure marker",
						zap.Int("pid", p.pid),
						zap.String("marker", marker),
						zap.String("line", line))
				}
				break
			}
		}
	}

	if err := sc.Err(); err != nil {
		p.log.Error("stderr scanner failure", zap.Int("pid", p.pid), zap.Error(err))
	}
}

// PID returns the child's process ID.
func (p *Process) PID() int { return p.pid }

// Done fires when the child has been fully reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Tainted reports whether stderr matched a failure marker at any point.
func (p *Process) Tainted() bool { return p.tainted.Load() }

// ExitErr returns the Wait error. Valid only after Done has fired; nil
// means a zero exit status.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stop initiates teardown: SIGTERM to the process group, then SIGKILL after
// the grace period if the child has not been reaped. Idempotent and
// non-blocking; observe Done() to wait for completion.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		go func() {
			select {
			case <-p.done:
				return
			default:
			}

			p.log.Info("sending SIGTERM", zap.Int("pid", p.pid))
			if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil {
				p.log.Warn("SIGTERM failed", zap.Int("pid", p.pid), zap.Error(err))
			}

			timer := time.NewTimer(p.grace)
			defer timer.Stop()

			select {
			case <-p.done:
				p.log.Info("encoder exited within grace period", zap.Int("pid", p.pid))

			case <-timer.C:
				p.log.Warn("grace period expired, sending SIGKILL", zap.Int("pid", p.pid))
				if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil {
					p.log.Error("SIGKILL failed", zap.Int("pid", p.pid), zap.Error(err))
				}
			}
		}()
	})
}
