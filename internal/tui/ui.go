package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/event"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const (
	tableTitle          = "Processes"
	logsTitle           = "Logs"
	filterPageName      = "filter"
	defaultLogRetention = 500
	terminateTimeout    = 10 * time.Second
)

const (
	stateRunning = "running"
	stateExited  = "exited"
	stateFailed  = "failed"
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of log lines retained for each process.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// WithTerminate installs the action bound to the kill key.
func WithTerminate(fn func(context.Context, string) error) Option {
	return func(u *UI) {
		u.terminate = fn
	}
}

// WithProcessList installs a source of pid and start time information that
// is polled on every refresh tick.
func WithProcessList(fn func() []supervisor.Info) Option {
	return func(u *UI) {
		u.list = fn
	}
}

// UI coordinates the interactive process view backed by tview.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	events chan event.Event

	processes map[string]*processState
	terminate func(context.Context, string) error
	list      func() []supervisor.Info

	visible     []string
	onSelect    func(row, column int)
	selected    string
	logsJSON    bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type processState struct {
	id        string
	pid       int
	startedAt time.Time
	lastEvent time.Time
	state     string
	exitCode  int
	lines     int
	dropped   int
	message   string

	logs []cliutil.LogRecord
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 2, true).
		AddItem(logs, 0, 3, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:       app,
		pages:     pages,
		table:     table,
		logs:      logs,
		events:    make(chan event.Event, 256),
		processes: make(map[string]*processState),
		maxLogs:   defaultLogRetention,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	ui.onSelect = func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	}
	table.SetSelectionChangedFunc(ui.onSelect)

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where process events should be delivered.
func (u *UI) EventSink() chan<- event.Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop is invoked
// or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			u.applyEvent(evt)
		case <-ticker.C:
			u.syncProcessList()
			u.queueRefresh(false)
		}
	}
}

func (u *UI) handleKey(evt *tcell.EventKey) *tcell.EventKey {
	// Overlays such as the filter prompt receive keys untouched.
	if u.pages.HasPage(filterPageName) {
		return evt
	}
	switch evt.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return evt
	case tcell.KeyRune:
		switch evt.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 'k', 'K':
			u.terminateSelected()
			return nil
		}
	}
	return evt
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsJSON = !u.logsJSON
	u.renderLogsLocked()
}

func (u *UI) terminateSelected() {
	u.mu.RLock()
	id := u.selected
	state := u.processes[id]
	u.mu.RUnlock()
	if u.terminate == nil || state == nil || state.state != stateRunning {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := u.terminate(ctx, id); err != nil {
			u.app.QueueUpdateDraw(func() {
				u.showErrorModal(fmt.Sprintf("Terminate %s: %v", id, err))
			})
		}
	}()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Processes")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		u.mu.Lock()
		u.filter = ""
		u.filterExpr = nil
		u.mu.Unlock()
		u.queueRefresh(true)
		return
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
		return
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	// Ensure previous filter prompt is removed to avoid stacking pages.
	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt event.Event) {
	u.mu.Lock()
	updateLogs := u.applyEventLocked(evt)
	u.mu.Unlock()

	u.queueRefresh(updateLogs)
}

// applyEventLocked folds evt into the process table and reports whether the
// log pane shows the affected process.
func (u *UI) applyEventLocked(evt event.Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	state := u.stateLocked(evt.ID)
	state.lastEvent = evt.Timestamp
	if state.startedAt.IsZero() {
		state.startedAt = evt.Timestamp
	}

	switch evt.Type {
	case event.TypeOutput:
		// Output after an exit belongs to a relaunch under the same id.
		if state.state != stateRunning {
			state.state = stateRunning
			state.startedAt = evt.Timestamp
			state.message = ""
		}
		state.lines++
		state.message = evt.Line
	case event.TypeDropped:
		state.dropped += evt.Dropped
	case event.TypeExited:
		state.state = stateExited
		if evt.ExitCode != 0 || evt.Err != nil {
			state.state = stateFailed
		}
		state.exitCode = evt.ExitCode
		state.pid = 0
		state.message = formatExitMessage(evt)
	}

	state.logs = append(state.logs, cliutil.NewLogRecord(evt))
	if len(state.logs) > u.maxLogs {
		trim := len(state.logs) - u.maxLogs
		state.logs = append([]cliutil.LogRecord(nil), state.logs[trim:]...)
	}

	return state.id == u.selected || u.selected == ""
}

func (u *UI) stateLocked(id string) *processState {
	state := u.processes[id]
	if state == nil {
		state = &processState{id: id, state: stateRunning}
		u.processes[id] = state
	}
	return state
}

func (u *UI) syncProcessList() {
	if u.list == nil {
		return
	}
	infos := u.list()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.mergeInfosLocked(infos)
}

func (u *UI) mergeInfosLocked(infos []supervisor.Info) {
	for _, info := range infos {
		state := u.stateLocked(info.ID)
		if state.state != stateRunning || state.startedAt.Before(info.StartedAt) {
			state.startedAt = info.StartedAt
		}
		state.state = stateRunning
		state.pid = info.PID
	}
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"ID", "STATE", "PID", "LINES", "DROPPED", "AGE", "LAST"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	ids := make([]string, 0, len(u.processes))
	for id := range u.processes {
		if u.filterExpr != nil && !u.filterExpr.MatchString(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	u.visible = ids

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for row, id := range ids {
		state := u.processes[id]
		age := "-"
		if !state.startedAt.IsZero() && state.state == stateRunning {
			age = time.Since(state.startedAt).Truncate(time.Second).String()
		}
		pid := "-"
		if state.pid > 0 {
			pid = strconv.Itoa(state.pid)
		}
		message := state.message
		if len(message) > 80 {
			message = message[:77] + "..."
		}

		values := []string{
			id,
			state.state,
			pid,
			strconv.Itoa(state.lines),
			strconv.Itoa(state.dropped),
			age,
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(tview.Escape(value))
			if col == 0 {
				cell = cell.SetReference(id)
			}
			if col == 1 {
				cell = cell.SetTextColor(stateColor(state.state))
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	var state *processState
	if u.selected != "" {
		state = u.processes[u.selected]
	}
	if state == nil {
		u.logs.SetTitle(logsTitle)
		return
	}

	u.logs.SetTitle(fmt.Sprintf("%s (%s)", logsTitle, state.id))

	for _, record := range state.logs {
		if !u.logsJSON {
			fmt.Fprintln(u.logs, cliutil.FormatRecord(record))
			continue
		}
		data, err := json.Marshal(record)
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":\"%v\"}\n", err)
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

// ensureSelectionLocked moves the table cursor to the selected process. The
// selection callback is detached meanwhile since it acquires u.mu.
func (u *UI) ensureSelectionLocked() {
	u.table.SetSelectionChangedFunc(nil)
	defer u.table.SetSelectionChangedFunc(u.onSelect)

	if len(u.visible) == 0 {
		u.selected = ""
		u.table.Select(0, 0)
		return
	}

	idx := -1
	for i, id := range u.visible {
		if id == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatExitMessage(evt event.Event) string {
	msg := fmt.Sprintf("exit %d", evt.ExitCode)
	if evt.Err != nil {
		msg += ": " + evt.Err.Error()
	}
	return msg
}

func stateColor(state string) tcell.Color {
	switch state {
	case stateRunning:
		return tcell.ColorGreen
	case stateFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorGray
	}
}
