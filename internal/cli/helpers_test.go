package cli

import (
	"bytes"
	stdcontext "context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/config"
)

func testSettings() *config.Settings {
	return &config.Settings{
		DrainTimeout: config.DefaultDrain,
		API: config.APISettings{
			Enabled: true,
			Addr:    "127.0.0.1:0",
		},
		Log: config.LogSettings{
			Level:  "error",
			Format: "json",
		},
		Events: config.EventSettings{Buffer: 64},
	}
}

// executeRoot runs the root command with args and returns its output.
func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("WARDEN_CONFIG", "")

	root, _ := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 20*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// startDaemon runs runServe on a loopback listener until the test ends.
func startDaemon(t *testing.T, manifest *config.Manifest) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	errCh := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		errCh <- runServe(ctx, &out, testSettings(), manifest, nil, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("serve returned error: %v", err)
			}
		case <-time.After(20 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return addr
}

func waitForOutput(t *testing.T, fn func() (string, error), want string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		out, err := fn()
		if err == nil && strings.Contains(out, want) {
			return out
		}
		last = out
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, last output:\n%s", want, last)
	return ""
}
