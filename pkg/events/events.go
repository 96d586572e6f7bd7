// Package events distributes session events (detection, loss, playback) to
// external collaborators such as analytics. Publishing never blocks: when a
// subscriber's channel is full the event is dropped for that subscriber.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event.
type Kind string

const (
	KindDetected            Kind = "detected"
	KindLost                Kind = "lost"
	KindAnimationComplete   Kind = "animation-complete"
	KindVideoStarted        Kind = "video-started"
	KindVideoView           Kind = "video-view"
	KindTrackingUnavailable Kind = "tracking-unavailable"
	KindCameraDenied        Kind = "camera-denied"
)

// Event is one occurrence in a session.
type Event struct {
	Kind      Kind
	SessionID string
	Time      time.Time
	// Position is the playback position in seconds for video and loss events.
	Position float64
	Detail   string
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("events: subscriber id already exists")
	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("events: subscriber id not found")
	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("events: bus is closed")
)

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64
	Sent        uint64
	Dropped     uint64
	Subscribers int
}

// Bus fans events out to subscriber channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Event
	closed      bool

	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan<- Event)}
}

// Subscribe registers ch under id.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return errors.New("events: subscriber channel cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.subscribers[id]; ok {
		return ErrSubscriberExists
	}
	b.subscribers[id] = ch
	return nil
}

// Unsubscribe removes the subscriber registered under id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.subscribers[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish delivers e to every subscriber with room in its channel. Events
// published after Close are counted and dropped.
func (b *Bus) Publish(e Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Sent:        b.sent.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close detaches every subscriber. Channels are not closed; they belong to
// their subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	b.subscribers = nil
	return nil
}

// Recorder is a Publisher that keeps every event, for tests and debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

// Publish appends e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
