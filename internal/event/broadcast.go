package event

import (
	"sync"
	"time"
)

// exitSendTimeout bounds the wait for a subscriber whose queue holds nothing
// but exit events.
var exitSendTimeout = time.Second

// Broadcaster fans events out to any number of subscribers. Output events are
// retained in a bounded backlog so late subscribers see recent history.
// Publishing never blocks on output: a subscriber that cannot keep up misses
// output lines. Exit events are never dropped for lagging subscribers; the
// oldest queued output is evicted to make room.
type Broadcaster struct {
	mu       sync.Mutex
	closed   bool
	subs     map[chan Event]struct{}
	backlog  []Event
	capacity int
}

// NewBroadcaster constructs a broadcaster retaining up to capacity output
// events for replay.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster{
		subs:     make(map[chan Event]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber. The returned release func must be
// called once the subscriber is done. The boolean is false when the
// broadcaster is already closed.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func(), bool) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}, false
	}
	// Replay under the lock so history cannot interleave with live events.
	for _, evt := range b.backlog {
		select {
		case ch <- evt:
		default:
		}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}

	return ch, release, true
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit publishes evt to all current subscribers.
func (b *Broadcaster) Emit(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if evt.Type == TypeOutput {
		b.backlog = append(b.backlog, evt)
		if len(b.backlog) > b.capacity {
			b.backlog = b.backlog[len(b.backlog)-b.capacity:]
		}
	}
	for ch := range b.subs {
		deliver(ch, evt)
	}
}

func deliver(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	if evt.Type != TypeExited {
		return
	}

	// Only Emit sends on ch and it holds b.mu, so the queue can shrink but
	// never grow underneath us.
	queued := make([]Event, 0, cap(ch))
drain:
	for {
		select {
		case e := <-ch:
			queued = append(queued, e)
		default:
			break drain
		}
	}
	for i, e := range queued {
		if e.Type != TypeExited {
			queued = append(queued[:i], queued[i+1:]...)
			break
		}
	}
	queued = append(queued, evt)

	timer := time.NewTimer(exitSendTimeout)
	defer timer.Stop()
	for _, e := range queued {
		select {
		case ch <- e:
		case <-timer.C:
			return
		}
	}
}

// Close closes every subscriber channel. Further publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.backlog = nil
}
