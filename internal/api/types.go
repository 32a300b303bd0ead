package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/supervisor"
	"github.com/Paintersrp/warden/internal/versionprobe"
)

// Errors shared with the supervisor so control servers can classify failures
// with errors.Is regardless of which layer produced them.
var (
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrNotRunning     = supervisor.ErrNotRunning
	ErrInvalidSpec    = supervisor.ErrInvalidSpec
	ErrStartFailed    = supervisor.ErrStartFailed
	ErrKillFailed     = supervisor.ErrKillFailed
	ErrProbeFailed    = versionprobe.ErrProbeFailed
	ErrNoVersion      = versionprobe.ErrNoVersion

	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownProcess = errors.New("unknown process")
	ErrEventsClosed   = errors.New("event stream closed")
)

// LaunchRequest is the body of POST /api/v1/processes. When only ID is set
// the process is resolved from the daemon's manifest.
type LaunchRequest struct {
	ID   string   `json:"id"`
	Path string   `json:"path,omitempty"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// Spec converts the request into a launch specification.
func (r LaunchRequest) Spec() supervisor.Spec {
	return supervisor.Spec{
		ID:   r.ID,
		Path: r.Path,
		Args: r.Args,
		Dir:  r.Dir,
		Env:  r.Env,
	}
}

// ProcessStatus answers GET /api/v1/processes/{id}.
type ProcessStatus struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
}

// ProcessList answers GET /api/v1/processes.
type ProcessList struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Processes   []supervisor.Info `json:"processes"`
}

// VersionRequest is the body of POST /api/v1/version.
type VersionRequest struct {
	Path string `json:"path"`
}

// VersionResult answers POST /api/v1/version.
type VersionResult struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Controller exposes supervisor operations required by control servers.
type Controller interface {
	Launch(stdcontext.Context, supervisor.Spec) error
	Terminate(stdcontext.Context, string) error
	Running(string) bool
	List() []supervisor.Info
	Subscribe(buffer int) (<-chan event.Event, func(), bool)
	ProbeVersion(stdcontext.Context, string) (string, error)
}
