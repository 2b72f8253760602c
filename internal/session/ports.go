package session

import (
	"context"

	"github.com/discord-voice-lab/voicesession/internal/audio"
)

// Recognizer turns one utterance of PCM16 audio into text.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte) (Transcript, error)
}

// Synthesizer speaks text and returns once playback has completed.
type Synthesizer interface {
	Speak(ctx context.Context, text string, opts SpeakOptions) error
}

// DialogueEngine produces a reply for the user's text.
type DialogueEngine interface {
	Respond(ctx context.Context, sessionID, text string) (string, error)
}

// SessionForgetter is implemented by dialogue engines that keep per-session
// context and want to drop it when the session ends.
type SessionForgetter interface {
	Forget(sessionID string)
}

// WakeTrigger reports wake detections through the registered callback.
type WakeTrigger interface {
	OnDetected(func(WakeEvent))
}

// AudioSource pushes frames to the callback until ctx ends or Close is
// called. Start fails with ErrHardwareUnavailable when no device exists.
type AudioSource interface {
	Start(ctx context.Context, push func(audio.Frame)) error
	Close() error
}
