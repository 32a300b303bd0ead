package logmux

import (
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/event"
)

// Mux decouples process streamers from slow consumers. Events are queued on a
// bounded channel and delivered to the downstream sink from a single
// goroutine. When the queue is full, output lines are dropped and later
// summarized as one dropped event per process. Exited events are never
// dropped: they wait for queue space after flushing any pending drop count.
type Mux struct {
	out        chan event.Event
	downstream event.Sink
	done       chan struct{}

	// sendMu is held for reading while sending so Close cannot close out
	// underneath an in-flight send.
	sendMu sync.RWMutex
	closed bool

	mu    sync.Mutex
	drops map[string]int
}

// New constructs a mux backed by a queue of the provided size. A size of zero
// results in a minimally buffered queue.
func New(size int, downstream event.Sink) *Mux {
	if size <= 0 {
		size = 1
	}
	if downstream == nil {
		downstream = event.Discard
	}
	m := &Mux{
		out:        make(chan event.Event, size),
		downstream: downstream,
		done:       make(chan struct{}),
		drops:      make(map[string]int),
	}
	go m.forward()
	return m
}

func (m *Mux) forward() {
	defer close(m.done)
	for evt := range m.out {
		m.downstream.Emit(evt)
	}
}

// Emit queues evt for delivery.
func (m *Mux) Emit(evt event.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed {
		return
	}

	if evt.Type == event.TypeExited {
		if n := m.takeDrops(evt.ID); n > 0 {
			m.out <- synthesizeDropEvent(evt.ID, n)
		}
		m.out <- evt
		return
	}

	if !m.flushPending(evt.ID) {
		m.recordDrop(evt.ID, 1)
		return
	}
	if !m.trySend(evt) {
		m.recordDrop(evt.ID, 1)
	}
}

// Close waits for queued events to be delivered and stops the mux. Events
// emitted afterwards are discarded.
func (m *Mux) Close() {
	m.sendMu.Lock()
	if m.closed {
		m.sendMu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	for id, n := range m.collectDrops() {
		m.out <- synthesizeDropEvent(id, n)
	}
	close(m.out)
	m.sendMu.Unlock()
	<-m.done
}

func (m *Mux) flushPending(id string) bool {
	n := m.takeDrops(id)
	if n == 0 {
		return true
	}
	if m.trySend(synthesizeDropEvent(id, n)) {
		return true
	}
	m.recordDrop(id, n)
	return false
}

func (m *Mux) takeDrops(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.drops[id]
	if n != 0 {
		delete(m.drops, id)
	}
	return n
}

func (m *Mux) recordDrop(id string, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[id] += n
}

func (m *Mux) collectDrops() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := m.drops
	m.drops = make(map[string]int)
	return dup
}

func (m *Mux) trySend(evt event.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func synthesizeDropEvent(id string, n int) event.Event {
	return event.Event{
		Timestamp: time.Now(),
		ID:        id,
		Type:      event.TypeDropped,
		Stream:    event.StreamSystem,
		Dropped:   n,
	}
}
