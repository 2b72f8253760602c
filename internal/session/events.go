package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventStateChanged      EventType = "state_changed"
	EventSpeechDetected    EventType = "speech_detected"
	EventSpeechTranscribed EventType = "speech_transcribed"
	EventResponseGenerated EventType = "response_generated"
	EventSessionEnded      EventType = "session_ended"
	EventError             EventType = "error"
)

// Event is published at most once per transition. CorrelationID ties
// transcript and response events to the utterance that produced them.
type Event struct {
	Type          EventType `json:"type"`
	SessionID     string    `json:"session_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	At            time.Time `json:"at"`
	From          State     `json:"from,omitempty"`
	To            State     `json:"to,omitempty"`
	Text          string    `json:"text,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	Reason        EndReason `json:"reason,omitempty"`
	Stage         Stage     `json:"stage,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
}

// bus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	closed  bool
	dropped atomic.Int64
}

func newBus() *bus {
	return &bus{subs: make(map[uint64]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
