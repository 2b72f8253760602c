// Package vad classifies PCM frames as speech or silence with a single
// amplitude threshold and duration hysteresis.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/discord-voice-lab/voicesession/internal/audio"
)

// Transition is a state change reported by the Monitor.
type Transition int

const (
	None Transition = iota
	SpeechStart
	SilenceDetected
)

func (t Transition) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SilenceDetected:
		return "silence_detected"
	default:
		return "none"
	}
}

// Params configures a Monitor.
type Params struct {
	// Threshold is the normalized RMS amplitude (0..1) at or above which a
	// frame counts as speech.
	Threshold float64
	// MinSpeech is how long amplitude must stay at or above Threshold
	// before SpeechStart.
	MinSpeech time.Duration
	// MinSilence is how long amplitude must stay below Threshold before
	// SilenceDetected.
	MinSilence time.Duration
	Format     audio.Format
}

// Validate rejects params the Monitor cannot work with.
func (p Params) Validate() error {
	var errs []error
	if p.Threshold <= 0 || p.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("threshold %v outside (0,1)", p.Threshold))
	}
	if p.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("min speech %v is negative", p.MinSpeech))
	}
	if p.MinSilence < 0 {
		errs = append(errs, fmt.Errorf("min silence %v is negative", p.MinSilence))
	}
	if p.Format.SampleRate <= 0 || p.Format.Channels <= 0 {
		errs = append(errs, fmt.Errorf("invalid format %+v", p.Format))
	}
	return errors.Join(errs...)
}

// Result describes what one frame did to the Monitor.
type Result struct {
	Transition Transition
	// At is the onset time of the transition: the first loud frame for
	// SpeechStart, the first quiet frame for SilenceDetected.
	At time.Time
	// Speech is the raw classification of this frame alone.
	Speech bool
	// Preroll holds the frames that satisfied the MinSpeech window,
	// including this one. Set only on SpeechStart.
	Preroll []audio.Frame
}

// Monitor is not safe for concurrent use; the session controller drives it
// from a single goroutine.
type Monitor struct {
	p        Params
	speaking bool

	aboveDur   time.Duration
	aboveSince time.Time
	pending    []audio.Frame

	belowDur   time.Duration
	belowSince time.Time
}

func New(p Params) (*Monitor, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("vad: %w", err)
	}
	return &Monitor{p: p}, nil
}

// Speaking reports whether the Monitor is currently inside speech.
func (m *Monitor) Speaking() bool { return m.speaking }

// Process classifies f and reports at most one transition.
func (m *Monitor) Process(f audio.Frame) Result {
	dur := m.p.Format.Duration(len(f.PCM))
	loud := f.Amplitude >= m.p.Threshold
	res := Result{Speech: loud}

	if !m.speaking {
		if !loud {
			m.aboveDur = 0
			m.pending = m.pending[:0]
			return res
		}
		if m.aboveDur == 0 {
			m.aboveSince = f.At
		}
		m.aboveDur += dur
		m.pending = append(m.pending, f)
		if m.aboveDur >= m.p.MinSpeech {
			m.speaking = true
			m.belowDur = 0
			res.Transition = SpeechStart
			res.At = m.aboveSince
			res.Preroll = append([]audio.Frame(nil), m.pending...)
			m.pending = m.pending[:0]
			m.aboveDur = 0
		}
		return res
	}

	if loud {
		m.belowDur = 0
		return res
	}
	if m.belowDur == 0 {
		m.belowSince = f.At
	}
	m.belowDur += dur
	if m.belowDur >= m.p.MinSilence {
		m.speaking = false
		m.belowDur = 0
		res.Transition = SilenceDetected
		res.At = m.belowSince
	}
	return res
}

// Reset forgets all hysteresis state.
func (m *Monitor) Reset() {
	m.speaking = false
	m.aboveDur = 0
	m.belowDur = 0
	m.pending = m.pending[:0]
	m.aboveSince = time.Time{}
	m.belowSince = time.Time{}
}
