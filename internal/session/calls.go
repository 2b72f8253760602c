package session

import (
	"context"
	"time"

	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
)

type callStage string

const (
	stageRecognize callStage = "recognize"
	stageDialogue  callStage = "dialogue"
	stageRespond   callStage = "respond"
	stageReprompt  callStage = "reprompt"
	stageClosing   callStage = "closing"
)

type callResult struct {
	gen        uint64
	stage      callStage
	cid        string
	transcript Transcript
	text       string
	err        error
}

type correlationKey struct{}

// WithCorrelationID tags ctx with the id of the utterance being processed.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return logging.WithFields(context.WithValue(ctx, correlationKey{}, id), "correlation_id", id)
}

// CorrelationID returns the utterance id carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// startCall replaces the in-flight call with a new one. The cancel func is
// the call's cancellation token; results carrying an older generation are
// discarded by onResult.
func (c *Controller) startCall(stage callStage, cid string, fn func(ctx context.Context) callResult) {
	c.cancelCall()
	c.callGen++
	gen := c.callGen

	parent := c.ctx
	if c.sessCtx != nil {
		parent = c.sessCtx
	}
	ctx, cancel := context.WithCancel(WithCorrelationID(parent, cid))
	c.call = &inflight{gen: gen, stage: stage, cancel: cancel}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		res := fn(ctx)
		res.gen = gen
		res.stage = stage
		res.cid = cid
		c.post(res)
	}()
}

func (c *Controller) cancelCall() {
	if c.call != nil {
		c.call.cancel()
		c.call = nil
	}
}

func (c *Controller) recognizeFn(pcm []byte) func(ctx context.Context) callResult {
	return func(ctx context.Context) callResult {
		t, err := resilience.DoValue(ctx, "recognize", c.retry, func(ctx context.Context) (Transcript, error) {
			cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			return c.deps.Recognizer.Transcribe(cctx, pcm)
		})
		return callResult{transcript: t, err: err}
	}
}

func (c *Controller) dialogueFn(sessionID, text string) func(ctx context.Context) callResult {
	return func(ctx context.Context) callResult {
		reply, err := resilience.DoValue(ctx, "dialogue", c.retry, func(ctx context.Context) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			return c.deps.Dialogue.Respond(cctx, sessionID, text)
		})
		return callResult{text: reply, err: err}
	}
}

func (c *Controller) speakFn(text string, p Purpose) func(ctx context.Context) callResult {
	opts := c.speakOptions(p)
	return func(ctx context.Context) callResult {
		err := c.speak(ctx, text, opts)
		return callResult{err: err}
	}
}

func (c *Controller) speak(ctx context.Context, text string, opts SpeakOptions) error {
	return resilience.Do(ctx, "synthesize", c.retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.SpeakTimeout)
		defer cancel()
		return c.deps.Synthesizer.Speak(cctx, text, opts)
	})
}

// speakDetached plays text without the state machine waiting on it.
func (c *Controller) speakDetached(ctx context.Context, text string, p Purpose) {
	opts := c.speakOptions(p)
	log := c.sessionLog()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.speak(ctx, text, opts); err != nil && ctx.Err() == nil {
			log.Warnw("detached speech failed", "purpose", p, "err", err)
		}
	}()
}

// speakNotice plays a short notice after the session is already gone. It is
// bounded by NoticeTimeout and by controller disposal only.
func (c *Controller) speakNotice(sessionID, text string) {
	timeout := c.cfg.NoticeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	opts := c.speakOptions(PurposeNotice)
	opts.SessionID = sessionID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.deps.Synthesizer.Speak(ctx, text, opts); err != nil && c.ctx.Err() == nil {
			c.log.Warnw("error notice could not be spoken", "session.id", sessionID, "err", err)
		}
	}()
}

// speakOptions derives style hints from the purpose and how the session is
// going.
func (c *Controller) speakOptions(p Purpose) SpeakOptions {
	opts := SpeakOptions{Voice: c.cfg.Voice, Purpose: p}
	if c.sess != nil {
		opts.SessionID = c.sess.ID
	}
	switch p {
	case PurposeGreeting:
		opts.Style = "friendly"
	case PurposeResponse:
		opts.Style = "conversational"
		if c.sess != nil && c.sess.Retries > 0 {
			opts.Style = "patient"
		}
	case PurposeReprompt:
		opts.Style = "gentle"
	default:
		opts.Style = "calm"
	}
	return opts
}
