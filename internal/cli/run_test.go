//go:build !windows

package cli

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/supervisor"
)

func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func decodeRecords(t *testing.T, data string) []cliutil.LogRecord {
	t.Helper()
	var records []cliutil.LogRecord
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		if line == "" {
			continue
		}
		var record cliutil.LogRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestRunForegroundRelaysOutputAndExitCode(t *testing.T) {
	var out, errOut bytes.Buffer
	printer := newRecordPrinter(&out, &errOut, true)

	spec := supervisor.Spec{ID: "job", Path: "/bin/sh", Args: []string{"-c", "echo one; echo two >&2; exit 3"}}
	code, err := runForeground(stdcontext.Background(), testSettings(), zap.NewNop(), spec, printer)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}

	records := decodeRecords(t, out.String())
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d:\n%s", len(records), out.String())
	}
	var stdout, stderr []string
	for _, record := range records[:2] {
		switch record.Stream {
		case "stdout":
			stdout = append(stdout, record.Message)
		case "stderr":
			stderr = append(stderr, record.Message)
		}
	}
	if len(stdout) != 1 || stdout[0] != "one" || len(stderr) != 1 || stderr[0] != "two" {
		t.Fatalf("unexpected streams stdout=%v stderr=%v", stdout, stderr)
	}
	last := records[2]
	if last.Type != "exited" || last.ExitCode == nil || *last.ExitCode != 3 {
		t.Fatalf("expected exit record last, got %+v", last)
	}
}

func TestRunForegroundInterruptKillsProcess(t *testing.T) {
	var out, errOut bytes.Buffer
	printer := newRecordPrinter(&out, &errOut, true)

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	spec := supervisor.Spec{ID: "sleeper", Path: "/bin/sh", Args: []string{"-c", "echo ready; sleep 30"}}

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := runForeground(ctx, testSettings(), zap.NewNop(), spec, printer)
		done <- result{code, err}
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("run: %v", res.err)
		}
		if res.code == 0 {
			t.Fatalf("expected non-zero exit code after interrupt")
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("interrupted run did not return")
	}
}

func TestRunForegroundMissingExecutable(t *testing.T) {
	var out bytes.Buffer
	printer := newRecordPrinter(&out, &out, true)

	spec := supervisor.Spec{ID: "ghost", Path: "/nonexistent/warden-test-binary"}
	_, err := runForeground(stdcontext.Background(), testSettings(), zap.NewNop(), spec, printer)
	if !errors.Is(err, supervisor.ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
}

func TestRunCommandMirrorsExitCode(t *testing.T) {
	stdout, _, err := executeRoot(t, "run", "--json", "--id", "cli", "--", "/bin/sh", "-c", "echo hello; exit 4")

	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 4 {
		t.Fatalf("expected exit status 4, got %v", err)
	}
	records := decodeRecords(t, stdout)
	if len(records) == 0 || records[0].ID != "cli" || records[0].Message != "hello" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestRunCommandDefaultsToUUID(t *testing.T) {
	stdout, _, err := executeRoot(t, "run", "--json", "--", "/bin/sh", "-c", "echo hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	records := decodeRecords(t, stdout)
	if len(records) == 0 || len(records[0].ID) != 36 {
		t.Fatalf("expected uuid id, got %+v", records)
	}
}

func TestExitStatus(t *testing.T) {
	cases := map[int]int{0: 0, 3: 3, -1: 1, 300: 1}
	for in, want := range cases {
		if got := exitStatus(in); got != want {
			t.Fatalf("exitStatus(%d) = %d, want %d", in, got, want)
		}
	}
}
