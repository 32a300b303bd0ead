package supervisor

import (
	"bufio"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/event"
)

const maxLineSize = 1 << 20

type outputLine struct {
	stream event.Stream
	text   string
}

// linePump drains stdout and stderr concurrently and funnels their lines into
// a single loop, preserving order within each stream.
type linePump struct {
	lines chan outputLine
	ended chan event.Stream
	quit  chan struct{}
	wg    sync.WaitGroup
}

func newLinePump(stdout, stderr io.Reader) *linePump {
	p := &linePump{
		lines: make(chan outputLine),
		ended: make(chan event.Stream, 2),
		quit:  make(chan struct{}),
	}
	p.wg.Add(2)
	go p.scan(stdout, event.StreamStdout)
	go p.scan(stderr, event.StreamStderr)
	return p
}

func (p *linePump) scan(r io.Reader, stream event.Stream) {
	defer p.wg.Done()
	defer func() { p.ended <- stream }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		select {
		case p.lines <- outputLine{stream: stream, text: line}:
		case <-p.quit:
			return
		}
	}
}

// run relays lines to emit until either stream ends, then lets the other
// stream deliver what it already has for at most drain. emit is never called
// after run returns.
func (p *linePump) run(drain time.Duration, emit func(event.Stream, string)) {
	open := 2
	for open == 2 {
		select {
		case l := <-p.lines:
			emit(l.stream, l.text)
		case <-p.ended:
			open--
		}
	}

	timer := time.NewTimer(drain)
	defer timer.Stop()
	for open > 0 {
		select {
		case l := <-p.lines:
			emit(l.stream, l.text)
		case <-p.ended:
			open--
		case <-timer.C:
			close(p.quit)
			return
		}
	}
	close(p.quit)
}

// wait blocks until both scanners have returned. The pipes must be closed
// first, which cmd.Wait does.
func (p *linePump) wait() {
	p.wg.Wait()
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
}
