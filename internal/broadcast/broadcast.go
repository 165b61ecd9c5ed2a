// Package broadcast fans session lifecycle events out to subscribers.
// Publishing never blocks: each subscriber owns a small bounded queue, and
// when it overflows the oldest undelivered event is discarded so a stalled
// consumer still sees the newest state.
package broadcast

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventSessionStarted is published when a CLI session spawns.
	EventSessionStarted EventType = "session_started"
	// EventSessionStopped is published when a session ends for any reason.
	EventSessionStopped EventType = "session_stopped"
	// EventSessionRestarted is published when the context manager recycles
	// a session in place.
	EventSessionRestarted EventType = "session_restarted"
	// EventStatusChanged is published on every task status transition.
	EventStatusChanged EventType = "status_changed"
	// EventContextUpdate is published when a fresh context percentage is
	// parsed from terminal output.
	EventContextUpdate EventType = "context_update"
	// EventQueueAdvanced is published when a waiting task is admitted to a
	// freed slot.
	EventQueueAdvanced EventType = "queue_advanced"
	// EventWatchdogAlert is published when the watchdog intervenes.
	EventWatchdogAlert EventType = "watchdog_alert"
)

// Event is one broadcast message.
type Event struct {
	Type      EventType              `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DefaultQueueSize bounds each subscriber's undelivered backlog.
const DefaultQueueSize = 16

// Broadcaster delivers every published event to every active subscriber in
// publish order, modulo overflow drops.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	queueSize int
	closed    bool
}

func New(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subs:      make(map[int]*subscriber),
		queueSize: queueSize,
	}
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	limit   int
	dropped uint64

	wake chan struct{}
	out  chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe registers a new consumer. The returned channel carries events in
// publish order and is closed after cancel is called. Slow consumers lose
// their oldest queued events, never the newest.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		limit: b.queueSize,
		wake:  make(chan struct{}, 1),
		out:   make(chan Event),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

// Publish enqueues ev for every subscriber and returns immediately.
func (b *Broadcaster) Publish(typ EventType, taskID string, data map[string]interface{}) {
	ev := Event{Type: typ, TaskID: taskID, Timestamp: time.Now().UTC(), Data: data}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops all subscribers. Publish after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// droppedCount reports how many events this subscriber lost to overflow.
func (s *subscriber) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
