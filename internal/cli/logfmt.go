package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/event"
)

// supportsInteractiveOutput reports whether the command writes to a terminal.
func supportsInteractiveOutput(cmd *cobra.Command) bool {
	file, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

// outputMode picks JSON records unless pretty output was requested or the
// command writes to a terminal.
func outputMode(cmd *cobra.Command, jsonFlag bool) bool {
	if jsonFlag {
		return true
	}
	return !supportsInteractiveOutput(cmd)
}

// recordPrinter writes log records to out, one per line.
type recordPrinter struct {
	mu     sync.Mutex
	json   bool
	enc    *json.Encoder
	out    io.Writer
	stderr io.Writer
}

func newRecordPrinter(out, stderr io.Writer, asJSON bool) *recordPrinter {
	return &recordPrinter{
		json:   asJSON,
		enc:    json.NewEncoder(out),
		out:    out,
		stderr: stderr,
	}
}

// Emit implements event.Sink.
func (p *recordPrinter) Emit(evt event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		cliutil.EncodeLogEvent(p.enc, p.stderr, evt)
		return
	}
	fmt.Fprintln(p.out, cliutil.FormatPretty(evt))
}

// PrintRecord writes a record received from a remote daemon.
func (p *recordPrinter) PrintRecord(record cliutil.LogRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return p.enc.Encode(&record)
	}
	_, err := fmt.Fprintln(p.out, cliutil.FormatRecord(record))
	return err
}
