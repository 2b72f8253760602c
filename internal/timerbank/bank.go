// Package timerbank owns the named, cancellable countdowns of one voice
// session: inactivity, silence-after-speech and max utterance duration.
package timerbank

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Kind names one of the three session countdowns.
type Kind int

const (
	Inactivity Kind = iota
	Silence
	MaxDuration
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Inactivity:
		return "inactivity"
	case Silence:
		return "silence"
	case MaxDuration:
		return "max_duration"
	default:
		return "unknown"
	}
}

// Fire is delivered when a countdown expires. Gen identifies the arming
// that produced it so a consumer can discard fires from cancelled timers.
type Fire struct {
	Kind Kind
	Gen  uint64
	At   time.Time
}

type slot struct {
	timer    clockwork.Timer
	gen      uint64
	deadline time.Time
}

// Bank holds at most one live timer per Kind.
type Bank struct {
	clock  clockwork.Clock
	onFire func(Fire)

	mu    sync.Mutex
	slots [numKinds]*slot
	gen   uint64
}

// New returns a Bank whose expirations are reported to onFire. onFire runs
// on a timer goroutine and must not block.
func New(clock clockwork.Clock, onFire func(Fire)) *Bank {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bank{clock: clock, onFire: onFire}
}

// Start cancels any live timer of kind, then arms a new one for d. It
// returns the generation of the new timer.
func (b *Bank) Start(kind Kind, d time.Duration) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked(kind)
	b.gen++
	gen := b.gen
	deadline := b.clock.Now().Add(d)
	s := &slot{gen: gen, deadline: deadline}
	s.timer = b.clock.AfterFunc(d, func() {
		b.mu.Lock()
		cur := b.slots[kind]
		live := cur == s
		if live {
			b.slots[kind] = nil
		}
		b.mu.Unlock()
		if live && b.onFire != nil {
			b.onFire(Fire{Kind: kind, Gen: gen, At: deadline})
		}
	})
	b.slots[kind] = s
	return gen
}

// Stop cancels the live timer of kind, if any.
func (b *Bank) Stop(kind Kind) {
	b.mu.Lock()
	b.stopLocked(kind)
	b.mu.Unlock()
}

func (b *Bank) stopLocked(kind Kind) {
	if s := b.slots[kind]; s != nil {
		s.timer.Stop()
		b.slots[kind] = nil
	}
}

// StopAll cancels every live timer.
func (b *Bank) StopAll() {
	b.mu.Lock()
	for k := Kind(0); k < numKinds; k++ {
		b.stopLocked(k)
	}
	b.mu.Unlock()
}

// Active reports whether a timer of kind is armed.
func (b *Bank) Active(kind Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[kind] != nil
}

// Deadline returns when the live timer of kind expires.
func (b *Bank) Deadline(kind Kind) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.slots[kind]; s != nil {
		return s.deadline, true
	}
	return time.Time{}, false
}

// Gen returns the generation of the live timer of kind, or 0.
func (b *Bank) Gen(kind Kind) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.slots[kind]; s != nil {
		return s.gen
	}
	return 0
}

// Live returns how many timers are armed.
func (b *Bank) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.slots {
		if s != nil {
			n++
		}
	}
	return n
}
