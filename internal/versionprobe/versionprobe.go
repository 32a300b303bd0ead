// Package versionprobe asks an executable for its version string.
package versionprobe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Flag is passed to the probed executable.
const Flag = "-v"

// DefaultTimeout bounds a probe when the caller's context carries no deadline.
const DefaultTimeout = 10 * time.Second

var (
	// ErrProbeFailed reports that the executable could not be started or
	// exited unsuccessfully.
	ErrProbeFailed = errors.New("version probe failed")
	// ErrNoVersion reports that the executable printed nothing usable.
	ErrNoVersion = errors.New("no version reported")
)

// Probe runs path with Flag and returns the last non-empty line of its
// combined output, trimmed of surrounding whitespace.
func Probe(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: path is required", ErrProbeFailed)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, Flag)
	configureCommand(cmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrProbeFailed, path, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s: exit %d", ErrProbeFailed, path, exitErr.ExitCode())
		}
		return "", fmt.Errorf("%w: %s: %w", ErrProbeFailed, path, err)
	}

	if line := LastLine(string(out)); line != "" {
		return line, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoVersion, path)
}

// LastLine returns the last non-empty trimmed line of text.
func LastLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
