package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/discord-voice-lab/voicesession/internal/audio"
)

// Prompts are the fixed lines the controller speaks on its own.
type Prompts struct {
	Greeting         string
	Reprompt         string
	Guidance         string
	Farewell         string
	Timeout          string
	ErrorNotice      string
	DialogueFallback string
}

// DefaultPrompts keeps notices short and calm.
func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:         "I'm listening.",
		Reprompt:         "Sorry, I didn't catch that. Could you say it again?",
		Guidance:         "I'm having trouble hearing you. Say the wake word when you're ready to try again.",
		Farewell:         "Goodbye.",
		Timeout:          "I haven't heard anything for a while, so I'll stop listening now.",
		ErrorNotice:      "Something went wrong on my end. Please try again in a moment.",
		DialogueFallback: "I'm not sure how to answer that right now.",
	}
}

// Config holds the controller's timing and policy knobs.
type Config struct {
	SessionTimeout         time.Duration
	SilenceDetection       time.Duration
	MinSpeechDuration      time.Duration
	MinSilenceDuration     time.Duration
	MaxSpeechDuration      time.Duration
	VoiceActivityThreshold float64
	WakeWordCooldown       time.Duration
	// MaxRetries bounds consecutive empty or low-confidence transcripts
	// before the session is ended with guidance.
	MaxRetries    int
	MinConfidence float64
	EndPhrases    []string

	Format audio.Format
	// FrameQueue is the capacity of the controller inbox. Frames beyond it
	// are dropped and counted.
	FrameQueue int

	CallTimeout   time.Duration
	SpeakTimeout  time.Duration
	NoticeTimeout time.Duration

	Voice   string
	Prompts Prompts
}

// DefaultEndPhrases end a session when heard anywhere in a transcript.
var DefaultEndPhrases = []string{"goodbye", "that's all", "that is all", "stop listening", "bye"}

// DefaultConfig returns the stock controller settings.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:         30 * time.Second,
		SilenceDetection:       2 * time.Second,
		MinSpeechDuration:      200 * time.Millisecond,
		MinSilenceDuration:     300 * time.Millisecond,
		MaxSpeechDuration:      15 * time.Second,
		VoiceActivityThreshold: 0.02,
		WakeWordCooldown:       1500 * time.Millisecond,
		MaxRetries:             3,
		MinConfidence:          0.4,
		EndPhrases:             DefaultEndPhrases,
		Format:                 audio.DefaultFormat,
		FrameQueue:             256,
		CallTimeout:            20 * time.Second,
		SpeakTimeout:           60 * time.Second,
		NoticeTimeout:          10 * time.Second,
		Prompts:                DefaultPrompts(),
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"session timeout":     c.SessionTimeout,
		"silence detection":   c.SilenceDetection,
		"max speech duration": c.MaxSpeechDuration,
		"call timeout":        c.CallTimeout,
		"speak timeout":       c.SpeakTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.MinSpeechDuration < 0 || c.MinSilenceDuration < 0 || c.WakeWordCooldown < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.VoiceActivityThreshold <= 0 || c.VoiceActivityThreshold >= 1 {
		errs = append(errs, fmt.Errorf("voice activity threshold %v outside (0,1)", c.VoiceActivityThreshold))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min confidence %v outside [0,1]", c.MinConfidence))
	}
	if c.Format.SampleRate <= 0 || c.Format.Channels <= 0 {
		errs = append(errs, fmt.Errorf("invalid audio format %+v", c.Format))
	}
	if c.FrameQueue <= 0 {
		errs = append(errs, fmt.Errorf("frame queue must be positive, got %d", c.FrameQueue))
	}
	return errors.Join(errs...)
}
