package supervisor

import (
	"os/exec"
	"time"
)

// Handle is one spawned process tree. It is owned by its Registry entry until
// either the streaming goroutine or Terminate removes it.
type Handle struct {
	id   string
	path string
	args []string
	cmd  *exec.Cmd

	// Closed once the start attempt has finished; pid, group, startedAt and
	// startErr are immutable afterwards.
	ready     chan struct{}
	pid       int
	group     *processGroup
	startedAt time.Time
	startErr  error

	// Closed as soon as cmd.Wait returns. The group id may be reused by an
	// unrelated process from then on.
	waited chan struct{}

	// Closed once the exit has been recorded; exitCode and waitErr are
	// immutable afterwards.
	done     chan struct{}
	exitCode int
	waitErr  error
}

// Info describes a live managed process.
type Info struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Path      string    `json:"path"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"started_at"`
}

func newHandle(spec Spec, cmd *exec.Cmd) *Handle {
	return &Handle{
		id:    spec.ID,
		path:  spec.Path,
		args:  append([]string(nil), spec.Args...),
		cmd:   cmd,
		ready:  make(chan struct{}),
		waited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// started reports whether the start attempt finished successfully.
func (h *Handle) started() bool {
	select {
	case <-h.ready:
		return h.startErr == nil
	default:
		return false
	}
}

// reaped reports whether the root process has been waited for.
func (h *Handle) reaped() bool {
	select {
	case <-h.waited:
		return true
	default:
		return false
	}
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) info() Info {
	return Info{
		ID:        h.id,
		PID:       h.pid,
		Path:      h.path,
		Args:      append([]string(nil), h.args...),
		StartedAt: h.startedAt,
	}
}

func (h *Handle) finish(code int, err error) {
	h.exitCode = code
	h.waitErr = err
	close(h.done)
}
