// Package wake provides the triggers that open a voice session: a manual
// trigger for hotkeys and remote calls, and a spoken wake phrase detector.
package wake

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/session"
)

// Manual fires a wake event whenever Fire is called.
type Manual struct {
	clock clockwork.Clock
	mu    sync.Mutex
	cb    func(session.WakeEvent)
}

func NewManual(clock clockwork.Clock) *Manual {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manual{clock: clock}
}

// OnDetected implements session.WakeTrigger.
func (m *Manual) OnDetected(cb func(session.WakeEvent)) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Fire reports a manual trigger. It returns false when nothing is listening.
func (m *Manual) Fire(userID string) bool {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(session.WakeEvent{UserID: userID, Trigger: session.TriggerManual, At: m.clock.Now()})
	return true
}
