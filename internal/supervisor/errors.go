package supervisor

import "errors"

var (
	// ErrAlreadyRunning is returned when launching an id that is still live.
	ErrAlreadyRunning = errors.New("process already running")

	// ErrNotRunning is returned when terminating an id with no live entry.
	ErrNotRunning = errors.New("no running process found")

	// ErrInvalidSpec rejects launch requests missing an id or a path.
	ErrInvalidSpec = errors.New("invalid launch spec")

	// ErrStartFailed wraps failures to spawn the executable.
	ErrStartFailed = errors.New("process failed to start")

	// ErrKillFailed wraps failures to deliver the kill signal.
	ErrKillFailed = errors.New("failed to kill process group")
)
