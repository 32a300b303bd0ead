//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Paintersrp/warden/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	exited chan event.Event
}

func newRecorder() *recorder {
	return &recorder{exited: make(chan event.Event, 64)}
}

func (r *recorder) Emit(evt event.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	if evt.Type == event.TypeExited {
		r.exited <- evt
	}
}

func (r *recorder) snapshot(id string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, evt := range r.events {
		if evt.ID == id {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) lines(id string, stream event.Stream) []string {
	var out []string
	for _, evt := range r.snapshot(id) {
		if evt.Type == event.TypeOutput && evt.Stream == stream {
			out = append(out, evt.Line)
		}
	}
	return out
}

func (r *recorder) waitExited(t *testing.T, id string) event.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-r.exited:
			if evt.ID == id {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to exit", id)
		}
	}
}

func (r *recorder) waitLine(t *testing.T, id string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if lines := r.lines(id, event.StreamStdout); len(lines) > 0 {
			return lines[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for output from %s", id)
	return ""
}

func launch(t *testing.T, sup *Supervisor, id string, script string) {
	t.Helper()
	if err := sup.Launch(context.Background(), Spec{ID: id, Path: "/bin/sh", Args: []string{"-c", script}}); err != nil {
		t.Fatalf("launch %s: %v", id, err)
	}
	t.Cleanup(func() {
		_ = sup.Terminate(context.Background(), id)
	})
}

func TestLaunchStreamsOutputThenExits(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "a", "echo hello")

	exited := rec.waitExited(t, "a")
	if exited.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exited.ExitCode)
	}
	if sup.Running("a") {
		t.Fatalf("expected a to be gone after exit")
	}

	events := rec.snapshot("a")
	if len(events) != 2 {
		t.Fatalf("expected output + exited, got %+v", events)
	}
	if events[0].Type != event.TypeOutput || events[0].Stream != event.StreamStdout || events[0].Line != "hello" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Type != event.TypeExited {
		t.Fatalf("expected exited last, got %+v", events[1])
	}
}

func TestLaunchReportsExitCode(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "code", "echo boom >&2; exit 3")

	exited := rec.waitExited(t, "code")
	if exited.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", exited.ExitCode)
	}
	if exited.Err != nil {
		t.Fatalf("non-zero exit should not surface as error, got %v", exited.Err)
	}
	if got := rec.lines("code", event.StreamStderr); len(got) != 1 || got[0] != "boom" {
		t.Fatalf("unexpected stderr lines %v", got)
	}
}

func TestLaunchRejectsLiveID(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "dup", "echo started; sleep 30")
	rec.waitLine(t, "dup")

	err := sup.Launch(context.Background(), Spec{ID: "dup", Path: "/bin/sh", Args: []string{"-c", "echo second"}})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !sup.Running("dup") {
		t.Fatalf("first process should still be registered")
	}
	if got := rec.lines("dup", event.StreamStdout); len(got) != 1 || got[0] != "started" {
		t.Fatalf("second launch produced output: %v", got)
	}
}

func TestConcurrentLaunchSingleWinner(t *testing.T) {
	sup := New(newRecorder())
	var wg sync.WaitGroup
	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- sup.Launch(context.Background(), Spec{ID: "race", Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
		}()
	}
	wg.Wait()
	close(results)
	t.Cleanup(func() { _ = sup.Terminate(context.Background(), "race") })

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			t.Fatalf("unexpected launch error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	sup := New(newRecorder())
	err := sup.Launch(context.Background(), Spec{ID: "missing", Path: "/definitely/not/here"})
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if sup.Running("missing") || sup.Registry().Len() != 0 {
		t.Fatalf("failed launch left a registry entry")
	}
}

func TestLaunchRejectsInvalidSpec(t *testing.T) {
	sup := New(nil)
	tests := map[string]Spec{
		"empty id":   {Path: "/bin/true"},
		"empty path": {ID: "x"},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			if err := sup.Launch(context.Background(), spec); !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestTerminateKillsProcessTree(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "b", "sleep 60 & echo $!; wait")

	child, err := strconv.Atoi(rec.waitLine(t, "b"))
	if err != nil {
		t.Fatalf("parse child pid: %v", err)
	}

	if err := sup.Terminate(context.Background(), "b"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if sup.Running("b") {
		t.Fatalf("expected b to be gone immediately after terminate")
	}

	rec.waitExited(t, "b")
	waitGone(t, child)

	events := rec.snapshot("b")
	exits := 0
	for i, evt := range events {
		if evt.Type == event.TypeExited {
			exits++
			if i != len(events)-1 {
				t.Fatalf("output after exited: %+v", events[i+1:])
			}
		}
	}
	if exits != 1 {
		t.Fatalf("expected exactly one exited event, got %d", exits)
	}
}

func TestTerminateAbsentID(t *testing.T) {
	sup := New(nil)
	_ = sup.Registry().Insert("other", &Handle{id: "other"})
	err := sup.Terminate(context.Background(), "ghost")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err.Error() != "no running process found: ghost" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !sup.Running("other") || sup.Registry().Len() != 1 {
		t.Fatalf("terminate on absent id altered the registry")
	}
}

func TestTerminateRestoresEntryOnKillFailure(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	sup.killGroup = func(*processGroup) error { return syscall.EPERM }
	launch(t, sup, "stubborn", "sleep 30")

	err := sup.Terminate(context.Background(), "stubborn")
	if !errors.Is(err, ErrKillFailed) {
		t.Fatalf("expected ErrKillFailed, got %v", err)
	}
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("expected the kill error to be wrapped, got %v", err)
	}
	if !sup.Running("stubborn") {
		t.Fatalf("expected entry to be restored after failed kill")
	}

	sup.killGroup = (*processGroup).kill
	if err := sup.Terminate(context.Background(), "stubborn"); err != nil {
		t.Fatalf("terminate with working kill: %v", err)
	}
	rec.waitExited(t, "stubborn")
}

func TestTerminateSkipsSignalAfterReap(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "quick", "sleep 0.2")

	handles := sup.Registry().handles()
	if len(handles) != 1 {
		t.Fatalf("expected one handle, got %d", len(handles))
	}
	h := handles[0]
	rec.waitExited(t, "quick")

	// A stale entry for a reaped process must not be signalled.
	if err := sup.Registry().Insert("quick", h); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	sup.killGroup = func(*processGroup) error {
		t.Errorf("kill called for a reaped process")
		return nil
	}
	if err := sup.Terminate(context.Background(), "quick"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if sup.Running("quick") {
		t.Fatalf("expected entry to be removed")
	}
}

func TestIDReusableAfterExit(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "again", "echo one")
	rec.waitExited(t, "again")

	launch(t, sup, "again", "echo two")
	rec.waitExited(t, "again")

	if diff := cmp.Diff([]string{"one", "two"}, rec.lines("again", event.StreamStdout)); diff != "" {
		t.Fatalf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestStreamFidelityPerStream(t *testing.T) {
	rec := newRecorder()
	sup := New(rec, WithDrainTimeout(2*time.Second))
	launch(t, sup, "fidelity", `i=1; while [ $i -le 50 ]; do echo "out $i"; echo "err $i" >&2; i=$((i+1)); done`)
	rec.waitExited(t, "fidelity")

	var wantOut, wantErr []string
	for i := 1; i <= 50; i++ {
		wantOut = append(wantOut, fmt.Sprintf("out %d", i))
		wantErr = append(wantErr, fmt.Sprintf("err %d", i))
	}
	if diff := cmp.Diff(wantOut, rec.lines("fidelity", event.StreamStdout)); diff != "" {
		t.Fatalf("stdout mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantErr, rec.lines("fidelity", event.StreamStderr)); diff != "" {
		t.Fatalf("stderr mismatch (-want +got):\n%s", diff)
	}
}

func TestListAndShutdown(t *testing.T) {
	rec := newRecorder()
	sup := New(rec)
	launch(t, sup, "x", "echo x; sleep 30")
	launch(t, sup, "y", "echo y; sleep 30")
	rec.waitLine(t, "x")
	rec.waitLine(t, "y")

	infos := sup.List()
	if len(infos) != 2 || infos[0].ID != "x" || infos[1].ID != "y" {
		t.Fatalf("unexpected list %+v", infos)
	}
	if infos[0].PID <= 0 || infos[0].Path != "/bin/sh" {
		t.Fatalf("incomplete info %+v", infos[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sup.Registry().Len() != 0 {
		t.Fatalf("registry not empty after shutdown: %v", sup.Registry().IDs())
	}
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	rec.waitExited(t, "x")
	rec.waitExited(t, "y")
}

// waitGone polls until pid no longer exists or is a zombie awaiting reaping.
func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %d still running after terminate", pid)
}

func alive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		return syscall.Kill(pid, syscall.Signal(0)) == nil
	}
	// The state field follows the parenthesised command name.
	stat := string(data)
	if idx := strings.LastIndex(stat, ")"); idx >= 0 {
		if fields := strings.Fields(stat[idx+1:]); len(fields) > 0 {
			return fields[0] != "Z" && fields[0] != "X"
		}
	}
	return true
}

func TestLaunchAppliesDirAndEnv(t *testing.T) {
	rec := newRecorder()
	sup := New(rec, WithEnv([]string{"WARDEN_SHARED=shared"}))
	dir := t.TempDir()
	err := sup.Launch(context.Background(), Spec{
		ID:   "env",
		Path: "/bin/sh",
		Args: []string{"-c", `echo "$WARDEN_SHARED $WARDEN_OWN"; pwd`},
		Dir:  dir,
		Env:  []string{"WARDEN_OWN=own"},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	rec.waitExited(t, "env")

	got := rec.lines("env", event.StreamStdout)
	if len(got) != 2 || got[0] != "shared own" {
		t.Fatalf("unexpected output %v", got)
	}
	if !strings.HasSuffix(got[1], strings.TrimPrefix(dir, "/private")) {
		t.Fatalf("expected working directory %s, got %s", dir, got[1])
	}
}
