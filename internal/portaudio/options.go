// Package portaudio captures the default local microphone and plays speech
// through the default output device. Device access needs cgo and the
// portaudio build tag; without it every Start reports missing hardware.
package portaudio

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
)

// Options configures a Source or Player.
type Options struct {
	Format audio.Format
	// Frame is the capture block length.
	Frame time.Duration
	Clock clockwork.Clock
	Log   logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Format.SampleRate == 0 {
		o.Format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if o.Frame <= 0 {
		o.Frame = 20 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	return o
}

func (o Options) samplesPerFrame() int {
	return o.Format.Bytes(o.Frame) / 2
}
