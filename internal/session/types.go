package session

import (
	"time"
)

// State is the controller's position in the conversation state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateListening  State = "LISTENING"
	StateProcessing State = "PROCESSING"
	StateResponding State = "RESPONDING"
	StateError      State = "ERROR"
)

// EndReason says why a session ended.
type EndReason string

const (
	ReasonTimeout          EndReason = "timeout"
	ReasonUserEnded        EndReason = "user_ended"
	ReasonEndCommand       EndReason = "end_command"
	ReasonRetriesExhausted EndReason = "retries_exhausted"
	ReasonError            EndReason = "error"
	ReasonDisposed         EndReason = "disposed"
)

// Trigger is what started a session.
type Trigger string

const (
	TriggerWakeWord Trigger = "wake_word"
	TriggerManual   Trigger = "manual"
)

// FinalizeTrigger is the timer that closed an utterance.
type FinalizeTrigger string

const (
	FinalizeSilence     FinalizeTrigger = "silence"
	FinalizeMaxDuration FinalizeTrigger = "max_duration"
)

// VoiceSession is one continuous conversational episode.
type VoiceSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Trigger      Trigger   `json:"trigger"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Retries      int       `json:"retries"`
	State        State     `json:"state"`
}

// Turn is one recognized utterance and what was said back. History is
// append-only and kept for end-phrase checks and diagnostics.
type Turn struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Text          string    `json:"text"`
	Confidence    float64   `json:"confidence"`
	Response      string    `json:"response,omitempty"`
	At            time.Time `json:"at"`
}

// Transcript is a recognizer result.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// Purpose tags why something is being spoken.
type Purpose string

const (
	PurposeGreeting Purpose = "greeting"
	PurposeResponse Purpose = "response"
	PurposeReprompt Purpose = "reprompt"
	PurposeGuidance Purpose = "guidance"
	PurposeFarewell Purpose = "farewell"
	PurposeTimeout  Purpose = "timeout"
	PurposeNotice   Purpose = "notice"
)

// SpeakOptions are voice and style hints for the synthesizer.
type SpeakOptions struct {
	SessionID string
	Voice     string
	Style     string
	Purpose   Purpose
}

// WakeEvent is reported by a WakeTrigger.
type WakeEvent struct {
	UserID  string
	Trigger Trigger
	Phrase  string
	At      time.Time
}

// Utterance is a copy of a finalized utterance, handed to observers.
type Utterance struct {
	SessionID     string
	CorrelationID string
	PCM           []byte
	Duration      time.Duration
	StartedAt     time.Time
	Trigger       FinalizeTrigger
}

// Status is a point-in-time view of the controller.
type Status struct {
	State         State         `json:"state"`
	Session       *VoiceSession `json:"session,omitempty"`
	Turns         []Turn        `json:"turns,omitempty"`
	LastEndReason EndReason     `json:"last_end_reason,omitempty"`
	LastEndedAt   time.Time     `json:"last_ended_at,omitempty"`
	DroppedFrames int64         `json:"dropped_frames"`
	DroppedEvents int64         `json:"dropped_events"`
}
