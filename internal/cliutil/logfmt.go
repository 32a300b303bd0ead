package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/warden/internal/event"
)

// LogRecord represents a structured process event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Stream    string    `json:"stream"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts an event into a structured log record. Output lines
// are redacted before they leave the process.
func NewLogRecord(evt event.Event) LogRecord {
	record := LogRecord{
		Timestamp: evt.Timestamp,
		ID:        evt.ID,
		Type:      string(evt.Type),
		Stream:    string(evt.Stream),
	}
	if record.Stream == "" {
		record.Stream = string(event.StreamSystem)
	}

	switch evt.Type {
	case event.TypeExited:
		code := evt.ExitCode
		record.ExitCode = &code
		record.Message = "exited"
		record.Level = "info"
		if code != 0 {
			record.Level = "warn"
		}
		if evt.Err != nil {
			record.Error = evt.Err.Error()
			record.Level = "error"
		}
	case event.TypeDropped:
		record.Message = fmt.Sprintf("dropped=%d", evt.Dropped)
		record.Level = "warn"
	default:
		record.Message = RedactSecrets(evt.Line)
		record.Level = inferLogLevel(evt.Line)
		if record.Level == "" {
			if evt.Stream == event.StreamStderr {
				record.Level = "warn"
			} else {
				record.Level = "info"
			}
		}
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, evt event.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(evt)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatPretty renders an event as a single human readable line.
func FormatPretty(evt event.Event) string {
	return FormatRecord(NewLogRecord(evt))
}

// FormatRecord renders a decoded record the same way FormatPretty renders
// the event it came from.
func FormatRecord(record LogRecord) string {
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := fmt.Sprintf("%s %-10s %-6s", ts.Format("15:04:05.000"), record.ID, record.Stream)
	if record.Type == string(event.TypeExited) && record.ExitCode != nil {
		if record.Error != "" {
			return fmt.Sprintf("%s exited code=%d error=%s", prefix, *record.ExitCode, record.Error)
		}
		return fmt.Sprintf("%s exited code=%d", prefix, *record.ExitCode)
	}
	return fmt.Sprintf("%s %s", prefix, record.Message)
}
