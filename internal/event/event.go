package event

import (
	"time"
)

// Stream identifies which output pipe of a managed process produced a line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem tags events synthesized by warden itself.
	StreamSystem Stream = "warden"
)

// Type captures the kind of notification carried by an Event.
type Type string

const (
	TypeOutput  Type = "output"
	TypeExited  Type = "exited"
	TypeDropped Type = "dropped"
)

// Event is a single output line or lifecycle notification for a managed
// process. For any id, zero or more output events are followed by exactly one
// exited event.
type Event struct {
	Timestamp time.Time
	ID        string
	Type      Type
	Stream    Stream
	Line      string
	ExitCode  int
	Err       error
	Dropped   int
}

// Sink receives events. Implementations must be safe for concurrent use since
// every managed process emits from its own goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(evt).
func (f SinkFunc) Emit(evt Event) {
	f(evt)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multiSink []Sink

// Multi duplicates each event to all non-nil sinks in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiSink) Emit(evt Event) {
	for _, s := range m {
		s.Emit(evt)
	}
}

// Output builds an output line event.
func Output(id string, stream Stream, line string) Event {
	return Event{
		Timestamp: time.Now(),
		ID:        id,
		Type:      TypeOutput,
		Stream:    stream,
		Line:      line,
	}
}

// Exited builds the terminal notification for id.
func Exited(id string, code int, err error) Event {
	return Event{
		Timestamp: time.Now(),
		ID:        id,
		Type:      TypeExited,
		Stream:    StreamSystem,
		ExitCode:  code,
		Err:       err,
	}
}
