package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/metrics"
)

// DefaultDrainTimeout bounds how long the second output stream may keep
// delivering lines once the first one has closed.
const DefaultDrainTimeout = 100 * time.Millisecond

// Spec describes a launch request. Dir and Env are optional; Env entries are
// KEY=VALUE pairs appended after the supervisor-wide environment.
type Spec struct {
	ID   string   `json:"id" yaml:"id"`
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args"`
	Dir  string   `json:"dir,omitempty" yaml:"dir"`
	Env  []string `json:"env,omitempty" yaml:"env"`
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("%w: path is required for %s", ErrInvalidSpec, s.ID)
	}
	return nil
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEnv appends KEY=VALUE pairs to the inherited environment of every child.
func WithEnv(env []string) Option {
	return func(s *Supervisor) {
		s.env = append([]string(nil), env...)
	}
}

// Supervisor launches, observes and terminates managed processes.
type Supervisor struct {
	registry     *Registry
	sink         event.Sink
	logger       *zap.Logger
	drainTimeout time.Duration
	env          []string

	// streams counts streaming goroutines that have not yet emitted their
	// exited event.
	streams sync.WaitGroup

	killGroup func(*processGroup) error
}

// New constructs a supervisor delivering events to sink.
func New(sink event.Sink, opts ...Option) *Supervisor {
	if sink == nil {
		sink = event.Discard
	}
	s := &Supervisor{
		registry:     NewRegistry(),
		sink:         sink,
		logger:       zap.NewNop(),
		drainTimeout: DefaultDrainTimeout,
		killGroup:    (*processGroup).kill,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the underlying registry.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Launch starts spec.Path as the root of a new process group and registers it
// under spec.ID. It returns once the process is running; output and the exit
// notification arrive later through the sink.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := spec.validate(); err != nil {
		return err
	}
	if s.registry.Contains(spec.ID) {
		metrics.RecordLaunch(false)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.ID)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(s.env) > 0 || len(spec.Env) > 0 {
		env := append(os.Environ(), s.env...)
		cmd.Env = append(env, spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		metrics.RecordLaunch(false)
		return fmt.Errorf("%w: %s stdout: %v", ErrStartFailed, spec.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		metrics.RecordLaunch(false)
		return fmt.Errorf("%w: %s stderr: %v", ErrStartFailed, spec.ID, err)
	}
	configureProcessGroup(cmd)

	h := newHandle(spec, cmd)
	// Claim the id before spawning so two concurrent launches cannot both
	// start a process for it.
	if err := s.registry.Insert(spec.ID, h); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		metrics.RecordLaunch(false)
		return err
	}

	if err := s.start(h); err != nil {
		s.registry.removeIf(spec.ID, h)
		metrics.RecordLaunch(false)
		s.logger.Warn("launch failed",
			zap.String("id", spec.ID),
			zap.String("path", spec.Path),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %w", ErrStartFailed, spec.ID, err)
	}

	metrics.RecordLaunch(true)
	metrics.SetManagedProcesses(s.registry.Len())
	s.logger.Info("process launched",
		zap.String("id", spec.ID),
		zap.Int("pid", h.pid),
		zap.String("path", spec.Path),
		zap.Strings("args", cliutil.RedactArgs(spec.Args)),
	)

	s.streams.Add(1)
	go s.stream(h, stdout, stderr)
	return nil
}

func (s *Supervisor) start(h *Handle) error {
	defer close(h.ready)

	if err := h.cmd.Start(); err != nil {
		h.startErr = err
		return err
	}
	group, err := attachProcessGroup(h.cmd)
	if err != nil {
		_ = h.cmd.Process.Kill()
		_ = h.cmd.Wait()
		h.startErr = err
		return err
	}
	h.pid = h.cmd.Process.Pid
	h.group = group
	h.startedAt = time.Now()
	return nil
}

// Terminate removes id from the registry and kills its whole process group,
// returning once the process has been reaped or ctx is done. The exited event
// is left to the streaming goroutine.
func (s *Supervisor) Terminate(ctx context.Context, id string) error {
	h, err := s.registry.Remove(id)
	if err != nil {
		return err
	}
	metrics.SetManagedProcesses(s.registry.Len())

	select {
	case <-h.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !h.started() {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if h.reaped() {
		// Exited on its own; signalling the group now could hit a reused pgid.
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.killGroup(h.group); err != nil {
		metrics.RecordKillFailure()
		restored := s.registry.restore(id, h)
		metrics.SetManagedProcesses(s.registry.Len())
		s.logger.Error("kill failed",
			zap.String("id", id),
			zap.Int("pid", h.pid),
			zap.Bool("restored", restored),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %w", ErrKillFailed, id, err)
	}
	s.logger.Info("process group killed", zap.String("id", id), zap.Int("pid", h.pid))

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether id currently has a live entry. The answer may be
// stale by the time the caller acts on it.
func (s *Supervisor) Running(id string) bool {
	return s.registry.Contains(id)
}

// List describes every started process that is still registered.
func (s *Supervisor) List() []Info {
	handles := s.registry.handles()
	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		if !h.started() {
			continue
		}
		out = append(out, h.info())
	}
	sortInfos(out)
	return out
}

// Shutdown terminates every registered process.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range s.registry.IDs() {
		if err := s.Terminate(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every launched process has delivered its exited event or
// ctx is done. Callers must stop launching before calling Wait.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) stream(h *Handle, stdout, stderr io.ReadCloser) {
	defer s.streams.Done()
	pump := newLinePump(stdout, stderr)
	pump.run(s.drainTimeout, func(stream event.Stream, line string) {
		s.sink.Emit(event.Output(h.id, stream, line))
	})

	err := h.cmd.Wait()
	close(h.waited)
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The exit code carries the outcome.
		err = nil
	}
	pump.wait()
	h.group.release()
	h.finish(code, err)

	if s.registry.removeIf(h.id, h) {
		metrics.SetManagedProcesses(s.registry.Len())
	}
	s.logger.Info("process exited",
		zap.String("id", h.id),
		zap.Int("pid", h.pid),
		zap.Int("exit_code", code),
		zap.Error(err),
	)
	s.sink.Emit(event.Exited(h.id, code, err))
}
