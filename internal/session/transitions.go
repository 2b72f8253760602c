package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/timerbank"
	"github.com/discord-voice-lab/voicesession/internal/vad"
)

type (
	wakeMsg  WakeEvent
	loopFunc func()
	startReq struct {
		userID  string
		trigger Trigger
		reply   chan startReply
	}
	startReply struct {
		sess VoiceSession
		err  error
	}
	endReq struct {
		reason EndReason
		reply  chan error
	}
)

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case audio.Frame:
		c.onFrame(m)
	case timerbank.Fire:
		c.onTimer(m)
	case callResult:
		c.onResult(m)
	case wakeMsg:
		c.onWake(WakeEvent(m))
	case startReq:
		c.onStart(m)
	case endReq:
		c.onEnd(m)
	case loopFunc:
		m()
	default:
		c.log.Warnw("unknown inbox message", "type", fmt.Sprintf("%T", msg))
	}
	c.publishStatus()
}

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.sess != nil {
		c.sess.State = to
	}
	c.sessionLog().Infow("state changed", "from", from, "to", to)
	c.emit(Event{Type: EventStateChanged, From: from, To: to})
}

func (c *Controller) onWake(ev WakeEvent) {
	if ev.Trigger == "" {
		ev.Trigger = TriggerWakeWord
	}
	if c.state != StateIdle {
		c.sessionLog().Debugw("wake trigger ignored; session active", "phrase", ev.Phrase)
		return
	}
	if ev.Trigger == TriggerWakeWord && !c.lastEnded.IsZero() {
		if since := c.clock.Since(c.lastEnded); since < c.cfg.WakeWordCooldown {
			c.log.Infow("wake trigger ignored; cooling down", "since_end", since, "cooldown", c.cfg.WakeWordCooldown)
			return
		}
	}
	c.beginSession(ev.UserID, ev.Trigger)
}

func (c *Controller) onStart(req startReq) {
	if c.state != StateIdle {
		req.reply <- startReply{err: ErrSessionActive}
		return
	}
	c.beginSession(req.userID, req.trigger)
	req.reply <- startReply{sess: *c.sess}
}

func (c *Controller) onEnd(req endReq) {
	switch {
	case c.sess == nil:
	case c.ending:
		// a closing notice is playing; cut it short and keep the reason
		// that was already decided
		c.finishSession(c.endReason)
	default:
		c.ending = true
		c.finishSession(req.reason)
	}
	req.reply <- nil
}

func (c *Controller) beginSession(userID string, trigger Trigger) {
	now := c.clock.Now()
	c.sess = &VoiceSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		Trigger:      trigger,
		CreatedAt:    now,
		LastActivity: now,
		State:        c.state,
	}
	c.turns = nil
	c.ending = false
	c.endReason = ""
	c.sessCtx, c.sessCancel = context.WithCancel(c.ctx)
	c.resetUtterance()

	c.sessionLog().Infow("session started", "trigger", trigger)
	c.emit(Event{Type: EventSessionStarted, UserID: userID, Detail: string(trigger)})
	c.setState(StateListening)
	c.armInactivity()

	if g := c.cfg.Prompts.Greeting; g != "" {
		c.speakDetached(c.sessCtx, g, PurposeGreeting)
	}
}

func (c *Controller) armInactivity() {
	c.timerGen[timerbank.Inactivity] = c.timers.Start(timerbank.Inactivity, c.cfg.SessionTimeout)
}

func (c *Controller) stopTimer(k timerbank.Kind) {
	c.timers.Stop(k)
	c.timerGen[k] = 0
	if k == timerbank.MaxDuration {
		c.maxDeadline = time.Time{}
	}
}

func (c *Controller) stopAllTimers() {
	c.stopTimer(timerbank.Inactivity)
	c.stopTimer(timerbank.Silence)
	c.stopTimer(timerbank.MaxDuration)
}

// resetUtterance drops any partial utterance and its timers.
func (c *Controller) resetUtterance() {
	c.stopTimer(timerbank.Silence)
	c.stopTimer(timerbank.MaxDuration)
	c.buf.Reset()
	c.monitor.Reset()
	c.utterance = false
	c.capturing = false
}

func (c *Controller) onFrame(f audio.Frame) {
	if c.state != StateListening || c.sess == nil {
		return
	}
	r := c.monitor.Process(f)
	switch r.Transition {
	case vad.SpeechStart:
		if !c.utterance {
			c.openUtterance(r)
		} else {
			c.capturing = true
			c.sessionLog().Debugw("speech resumed within utterance", "at", r.At)
		}
		for _, pf := range r.Preroll {
			c.buf.Append(pf)
		}
		c.armSilence()
		return
	case vad.SilenceDetected:
		c.capturing = false
		c.sessionLog().Debugw("silence detected", "at", r.At, "buffered", c.buf.Duration())
		return
	}
	if !c.utterance {
		return
	}
	if c.capturing {
		c.buf.Append(f)
	}
	if r.Speech {
		c.armSilence()
	}
}

func (c *Controller) openUtterance(r vad.Result) {
	c.stopTimer(timerbank.Inactivity)
	c.utterance = true
	c.capturing = true
	c.sess.LastActivity = c.clock.Now()
	c.timerGen[timerbank.MaxDuration] = c.timers.Start(timerbank.MaxDuration, c.cfg.MaxSpeechDuration)
	if dl, ok := c.timers.Deadline(timerbank.MaxDuration); ok {
		c.maxDeadline = dl
	}
	c.sessionLog().Debugw("speech started", "at", r.At)
	c.emit(Event{Type: EventSpeechDetected})
}

func (c *Controller) armSilence() {
	c.timerGen[timerbank.Silence] = c.timers.Start(timerbank.Silence, c.cfg.SilenceDetection)
}

func (c *Controller) onTimer(f timerbank.Fire) {
	if f.Gen == 0 || c.timerGen[f.Kind] != f.Gen {
		c.log.Debugw("stale timer fire ignored", "kind", f.Kind, "gen", f.Gen)
		return
	}
	c.timerGen[f.Kind] = 0

	switch f.Kind {
	case timerbank.Inactivity:
		if c.sess == nil {
			return
		}
		c.sessionLog().Infow("session inactive; ending", "timeout", c.cfg.SessionTimeout)
		c.endSession(ReasonTimeout, c.cfg.Prompts.Timeout, PurposeTimeout)
	case timerbank.Silence, timerbank.MaxDuration:
		if c.state != StateListening || !c.utterance {
			return
		}
		trigger := FinalizeSilence
		if f.Kind == timerbank.MaxDuration {
			trigger = FinalizeMaxDuration
		} else if !c.maxDeadline.IsZero() && !c.maxDeadline.After(f.At) {
			// both were due; the cap wins
			trigger = FinalizeMaxDuration
		}
		c.finalize(trigger)
	}
}

func (c *Controller) finalize(trigger FinalizeTrigger) {
	c.stopTimer(timerbank.Silence)
	c.stopTimer(timerbank.MaxDuration)
	started := c.buf.StartedAt()
	pcm := c.buf.SnapshotAndClear()
	c.monitor.Reset()
	c.utterance = false
	c.capturing = false

	cid := uuid.NewString()
	dur := c.cfg.Format.Duration(len(pcm))
	c.sessionLog().Infow("utterance finalized", append(logging.UtteranceFields(len(pcm), dur.Milliseconds()), "trigger", trigger, "correlation_id", cid)...)
	c.setState(StateProcessing)

	if hook := c.deps.OnUtterance; hook != nil {
		hook(Utterance{
			SessionID:     c.sess.ID,
			CorrelationID: cid,
			PCM:           append([]byte(nil), pcm...),
			Duration:      dur,
			StartedAt:     started,
			Trigger:       trigger,
		})
	}
	c.startCall(stageRecognize, cid, c.recognizeFn(pcm))
}

func (c *Controller) onResult(r callResult) {
	if c.call == nil || c.call.gen != r.gen {
		c.log.Debugw("late collaborator result ignored", "stage", r.stage, "gen", r.gen)
		return
	}
	c.call = nil
	if c.sess == nil {
		return
	}

	switch r.stage {
	case stageRecognize:
		c.onTranscript(r)
	case stageDialogue:
		c.onReply(r)
	case stageRespond, stageReprompt:
		if r.err != nil {
			c.fail(newCollaboratorError(StageSynthesize, r.err))
			return
		}
		if r.stage == stageRespond {
			c.sess.Retries = 0
		}
		c.setState(StateListening)
		c.armInactivity()
	case stageClosing:
		if r.err != nil {
			c.sessionLog().Warnw("closing notice failed", "err", r.err)
		}
		c.finishSession(c.endReason)
	}
}

func (c *Controller) onTranscript(r callResult) {
	if r.err != nil {
		c.fail(newCollaboratorError(StageRecognize, r.err))
		return
	}
	text := strings.TrimSpace(r.transcript.Text)
	conf := r.transcript.Confidence
	log := c.sessionLog().With("correlation_id", r.cid)

	if text == "" || conf < c.cfg.MinConfidence {
		c.sess.Retries++
		log.Infow("transcript rejected; re-prompting", "text_len", len(text), "confidence", conf, "retries", c.sess.Retries, "max_retries", c.cfg.MaxRetries)
		if text != "" {
			c.appendTurn(Turn{CorrelationID: r.cid, Text: text, Confidence: conf})
		}
		if c.sess.Retries >= c.cfg.MaxRetries {
			c.endSession(ReasonRetriesExhausted, c.cfg.Prompts.Guidance, PurposeGuidance)
			return
		}
		c.startCall(stageReprompt, r.cid, c.speakFn(c.cfg.Prompts.Reprompt, PurposeReprompt))
		return
	}

	c.sess.LastActivity = c.clock.Now()
	log.Infow("speech transcribed", "text", text, "confidence", conf)
	c.emit(Event{Type: EventSpeechTranscribed, CorrelationID: r.cid, Text: text, Confidence: conf})

	if phrase, ok := c.enders.Match(text); ok {
		log.Infow("end-of-session phrase heard", "phrase", phrase)
		c.appendTurn(Turn{CorrelationID: r.cid, Text: text, Confidence: conf, Response: c.cfg.Prompts.Farewell})
		c.endSession(ReasonUserEnded, c.cfg.Prompts.Farewell, PurposeFarewell)
		return
	}

	c.appendTurn(Turn{CorrelationID: r.cid, Text: text, Confidence: conf})
	c.startCall(stageDialogue, r.cid, c.dialogueFn(c.sess.ID, text))
}

func (c *Controller) onReply(r callResult) {
	reply := strings.TrimSpace(r.text)
	if r.err != nil {
		c.sessionLog().Warnw("dialogue failed; using fallback reply", "err", newCollaboratorError(StageDialogue, r.err), "correlation_id", r.cid)
		reply = ""
	}
	if reply == "" {
		reply = c.cfg.Prompts.DialogueFallback
	}
	if n := len(c.turns); n > 0 && c.turns[n-1].CorrelationID == r.cid {
		// published snapshots share c.turns
		turns := slices.Clone(c.turns)
		turns[n-1].Response = reply
		c.turns = turns
	}
	c.emit(Event{Type: EventResponseGenerated, CorrelationID: r.cid, Text: reply})
	c.setState(StateResponding)
	c.startCall(stageRespond, r.cid, c.speakFn(reply, PurposeResponse))
}

// appendTurn never mutates the backing array of a published snapshot.
func (c *Controller) appendTurn(t Turn) {
	t.ID = ulid.Make().String()
	t.At = c.clock.Now()
	turns := make([]Turn, len(c.turns), len(c.turns)+1)
	copy(turns, c.turns)
	c.turns = append(turns, t)
}

// endSession tears the session down, speaking notice first when one is
// given. The notice plays in RESPONDING and the session finishes once it
// completes.
func (c *Controller) endSession(reason EndReason, notice string, purpose Purpose) {
	if c.sess == nil || c.ending {
		return
	}
	c.ending = true
	c.cancelCall()
	c.stopAllTimers()
	c.resetUtterance()
	if notice == "" {
		c.finishSession(reason)
		return
	}
	c.endReason = reason
	c.setState(StateResponding)
	c.startCall(stageClosing, "", c.speakFn(notice, purpose))
}

// fail handles an unrecoverable collaborator error: ERROR, then IDLE at
// once. A calm notice is attempted unless synthesis itself failed.
func (c *Controller) fail(err *CollaboratorError) {
	if c.sess == nil {
		return
	}
	c.sessionLog().Errorw("collaborator failure ends session", "stage", err.Stage, "permanent", err.Permanent, "err", err.Err)
	c.ending = true
	c.cancelCall()
	c.stopAllTimers()
	c.resetUtterance()
	c.setState(StateError)
	c.emit(Event{Type: EventError, Stage: err.Stage, Detail: err.Error()})
	sessionID := c.sess.ID
	c.finishSession(ReasonError)
	if !IsSynthesisFailure(err) && c.cfg.Prompts.ErrorNotice != "" {
		c.speakNotice(sessionID, c.cfg.Prompts.ErrorNotice)
	}
}

// finishSession is the single exit of every session. It emits
// session_ended exactly once.
func (c *Controller) finishSession(reason EndReason) {
	if c.sess == nil {
		return
	}
	c.cancelCall()
	c.stopAllTimers()
	c.resetUtterance()

	sess := c.sess
	c.setState(StateIdle)
	if c.sessCancel != nil {
		c.sessCancel()
	}
	if f, ok := c.deps.Dialogue.(SessionForgetter); ok {
		f.Forget(sess.ID)
	}

	c.lastTurns = c.turns
	c.turns = nil
	c.sess = nil
	c.ending = false
	c.endReason = ""
	c.lastEnded = c.clock.Now()
	c.lastReason = reason

	c.log.Infow("session ended", append(logging.SessionFields(sess.ID, sess.UserID), "reason", reason, "turns", len(c.lastTurns), "duration", c.lastEnded.Sub(sess.CreatedAt))...)
	c.emit(Event{Type: EventSessionEnded, SessionID: sess.ID, UserID: sess.UserID, Reason: reason})
}

// shutdown runs on the loop goroutine when the controller is disposed.
func (c *Controller) shutdown() {
	if c.sess != nil {
		c.ending = true
		c.finishSession(ReasonDisposed)
	}
	c.cancelCall()
	c.stopAllTimers()
	c.publishStatus()
}
