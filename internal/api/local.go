package api

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/supervisor"
	"github.com/Paintersrp/warden/internal/versionprobe"
)

// Local serves Controller calls from an in-process supervisor.
type Local struct {
	sup      *supervisor.Supervisor
	events   *event.Broadcaster
	manifest *config.Manifest
	probe    func(stdcontext.Context, string) (string, error)
}

// NewLocal wires sup and events into a Controller. manifest may be nil.
func NewLocal(sup *supervisor.Supervisor, events *event.Broadcaster, manifest *config.Manifest) *Local {
	return &Local{
		sup:      sup,
		events:   events,
		manifest: manifest,
		probe:    versionprobe.Probe,
	}
}

// Launch starts spec. A spec without a path is completed from the manifest.
func (l *Local) Launch(ctx stdcontext.Context, spec supervisor.Spec) error {
	if strings.TrimSpace(spec.Path) == "" && spec.ID != "" {
		if l.manifest == nil {
			return fmt.Errorf("%w: path is required for %s", ErrInvalidSpec, spec.ID)
		}
		proc, ok := l.manifest.Lookup(spec.ID)
		if !ok {
			return fmt.Errorf("%w: %s is not declared in %s", ErrUnknownProcess, spec.ID, l.manifest.Source)
		}
		spec = proc.Spec()
	}
	return l.sup.Launch(ctx, spec)
}

// Terminate kills the process tree registered under id.
func (l *Local) Terminate(ctx stdcontext.Context, id string) error {
	return l.sup.Terminate(ctx, id)
}

// Running reports whether id is registered.
func (l *Local) Running(id string) bool {
	return l.sup.Running(id)
}

// List describes the registered processes.
func (l *Local) List() []supervisor.Info {
	return l.sup.List()
}

// Subscribe attaches to the live event stream.
func (l *Local) Subscribe(buffer int) (<-chan event.Event, func(), bool) {
	if l.events == nil {
		ch := make(chan event.Event)
		close(ch)
		return ch, func() {}, false
	}
	return l.events.Subscribe(buffer)
}

// ProbeVersion runs the version probe against path.
func (l *Local) ProbeVersion(ctx stdcontext.Context, path string) (string, error) {
	return l.probe(ctx, path)
}
