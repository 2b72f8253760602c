package session

import (
	"errors"
	"fmt"

	"github.com/discord-voice-lab/voicesession/internal/resilience"
)

var (
	ErrHardwareUnavailable = errors.New("audio hardware unavailable")
	ErrSessionActive       = errors.New("a voice session is already active")
	ErrNoActiveSession     = errors.New("no active voice session")
	ErrClosed              = errors.New("session controller closed")
	ErrAlreadyRunning      = errors.New("session controller already running")
)

// Stage names the collaborator step a failure came from.
type Stage string

const (
	StageRecognize  Stage = "recognize"
	StageDialogue   Stage = "dialogue"
	StageSynthesize Stage = "synthesize"
)

// CollaboratorError wraps a failed recognition, dialogue or synthesis call.
type CollaboratorError struct {
	Stage     Stage
	Permanent bool
	Err       error
}

func (e *CollaboratorError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, kind, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func newCollaboratorError(stage Stage, err error) *CollaboratorError {
	return &CollaboratorError{Stage: stage, Permanent: resilience.IsPermanent(err), Err: err}
}

// IsSynthesisFailure reports whether err came from the synthesizer.
func IsSynthesisFailure(err error) bool { return stageOf(err) == StageSynthesize }

func stageOf(err error) Stage {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return ""
}
