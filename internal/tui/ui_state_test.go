package tui

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/supervisor"
)

func TestApplyEventTracksLifecycle(t *testing.T) {
	ui := New()

	ui.mu.Lock()
	defer ui.mu.Unlock()

	ui.applyEventLocked(event.Output("api", event.StreamStdout, "booting"))
	ui.applyEventLocked(event.Output("api", event.StreamStderr, "ready"))
	ui.applyEventLocked(event.Event{ID: "api", Type: event.TypeDropped, Stream: event.StreamSystem, Dropped: 3})

	state := ui.processes["api"]
	if state.state != stateRunning || state.lines != 2 || state.dropped != 3 {
		t.Fatalf("unexpected running state %+v", state)
	}
	if state.message != "ready" {
		t.Fatalf("expected last line, got %q", state.message)
	}

	ui.applyEventLocked(event.Exited("api", 2, nil))
	if state.state != stateFailed || state.exitCode != 2 {
		t.Fatalf("unexpected exit state %+v", state)
	}
	if state.message != "exit 2" {
		t.Fatalf("unexpected exit message %q", state.message)
	}
	if len(state.logs) != 4 {
		t.Fatalf("expected 4 retained records, got %d", len(state.logs))
	}

	ui.applyEventLocked(event.Output("api", event.StreamStdout, "booting again"))
	if state.state != stateRunning {
		t.Fatalf("expected relaunch to mark process running, got %s", state.state)
	}
}

func TestApplyEventCleanExit(t *testing.T) {
	ui := New()

	ui.mu.Lock()
	defer ui.mu.Unlock()

	ui.applyEventLocked(event.Exited("job", 0, nil))
	if got := ui.processes["job"].state; got != stateExited {
		t.Fatalf("expected exited state, got %s", got)
	}
}

func TestApplyEventTrimsLogs(t *testing.T) {
	ui := New(WithMaxLogs(2))

	ui.mu.Lock()
	defer ui.mu.Unlock()

	for _, line := range []string{"one", "two", "three"} {
		ui.applyEventLocked(event.Output("api", event.StreamStdout, line))
	}
	logs := ui.processes["api"].logs
	if len(logs) != 2 || logs[0].Message != "two" || logs[1].Message != "three" {
		t.Fatalf("unexpected retained logs %+v", logs)
	}
}

func TestRefreshTableAppliesFilter(t *testing.T) {
	ui := New()
	applyFilterExpr(ui, "^api")

	ui.mu.Lock()
	defer ui.mu.Unlock()

	ui.applyEventLocked(event.Output("api", event.StreamStdout, "x"))
	ui.applyEventLocked(event.Output("worker", event.StreamStdout, "y"))
	ui.refreshTableLocked()

	if len(ui.visible) != 1 || ui.visible[0] != "api" {
		t.Fatalf("expected only api visible, got %v", ui.visible)
	}
	if ui.selected != "api" {
		t.Fatalf("expected api selected, got %q", ui.selected)
	}
	if got := ui.table.GetCell(1, 0).Text; got != "api" {
		t.Fatalf("unexpected first row %q", got)
	}
	if !strings.Contains(ui.table.GetTitle(), "/^api/") {
		t.Fatalf("expected filter in title, got %q", ui.table.GetTitle())
	}
}

func TestMergeInfosSetsPID(t *testing.T) {
	ui := New()

	ui.mu.Lock()
	defer ui.mu.Unlock()

	started := time.Now().Add(-time.Minute)
	ui.mergeInfosLocked([]supervisor.Info{{ID: "api", PID: 4242, StartedAt: started}})
	state := ui.processes["api"]
	if state.pid != 4242 || !state.startedAt.Equal(started) || state.state != stateRunning {
		t.Fatalf("unexpected merged state %+v", state)
	}

	ui.applyEventLocked(event.Exited("api", 0, nil))
	if state.pid != 0 {
		t.Fatalf("expected pid cleared on exit, got %d", state.pid)
	}
}

func TestFormatExitMessage(t *testing.T) {
	if got := formatExitMessage(event.Exited("a", 0, nil)); got != "exit 0" {
		t.Fatalf("unexpected message %q", got)
	}
	got := formatExitMessage(event.Exited("a", -1, errors.New("wait failed")))
	if got != "exit -1: wait failed" {
		t.Fatalf("unexpected message %q", got)
	}
}

func applyFilterExpr(ui *UI, expr string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.filter = expr
	ui.filterExpr = regexp.MustCompile(expr)
}
