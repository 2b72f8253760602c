// Package session implements the voice session controller: the state
// machine that decides when the assistant listens, when an utterance is
// finished, when to re-prompt, and when a conversation is over.
//
// Every input (audio frames, timer expirations, collaborator results, wake
// triggers and API calls) is posted to one inbox and handled by a single
// loop goroutine, so no two transitions ever run concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/timerbank"
	"github.com/discord-voice-lab/voicesession/internal/vad"
)

// Deps are the collaborators the controller drives.
type Deps struct {
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Dialogue    DialogueEngine
	// Source is optional; frames can also be delivered with PushFrame.
	Source AudioSource
	Wake   []WakeTrigger
	// Taps see every pushed frame before the controller does. They must
	// not block.
	Taps []func(audio.Frame)
	// OnUtterance receives a copy of every finalized utterance. It must
	// not block.
	OnUtterance func(Utterance)

	Logger logging.Logger
	Clock  clockwork.Clock
	Retry  resilience.Policy
}

type inflight struct {
	gen    uint64
	stage  callStage
	cancel context.CancelFunc
}

// Controller is the voice session state machine.
type Controller struct {
	cfg     Config
	deps    Deps
	log     logging.Logger
	clock   clockwork.Clock
	retry   resilience.Policy
	timers  *timerbank.Bank
	monitor *vad.Monitor
	buf     *audio.Accumulator
	enders  *PhraseMatcher
	events  *bus

	inbox   chan any
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	closing chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	dropLog rate.Sometimes

	snapMu sync.RWMutex
	snap   Status

	// Everything below is owned by the loop goroutine.
	state       State
	sess        *VoiceSession
	turns       []Turn
	lastTurns   []Turn
	sessCtx     context.Context
	sessCancel  context.CancelFunc
	timerGen    [3]uint64
	maxDeadline time.Time
	utterance   bool
	capturing   bool
	call        *inflight
	callGen     uint64
	ending      bool
	endReason   EndReason
	lastEnded   time.Time
	lastReason  EndReason
}

// New validates cfg and deps and returns an idle controller. Call Run to
// start it.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if deps.Recognizer == nil || deps.Synthesizer == nil || deps.Dialogue == nil {
		return nil, errors.New("session: recognizer, synthesizer and dialogue engine are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	mon, err := vad.New(vad.Params{
		Threshold:  cfg.VoiceActivityThreshold,
		MinSpeech:  cfg.MinSpeechDuration,
		MinSilence: cfg.MinSilenceDuration,
		Format:     cfg.Format,
	})
	if err != nil {
		return nil, err
	}

	retry := deps.Retry
	if retry.Logger == nil {
		retry.Logger = deps.Logger
	}
	if retry.Clock == nil {
		retry.Clock = deps.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("component", "session"),
		clock:   deps.Clock,
		retry:   retry,
		monitor: mon,
		buf:     audio.NewAccumulator(cfg.Format),
		enders:  NewPhraseMatcher(cfg.EndPhrases),
		events:  newBus(),
		inbox:   make(chan any, cfg.FrameQueue),
		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		dropLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		state:   StateIdle,
	}
	c.timers = timerbank.New(deps.Clock, func(f timerbank.Fire) { c.post(f) })
	c.snap = Status{State: StateIdle}
	return c, nil
}

// Run starts the audio source, registers wake triggers and processes events
// until ctx ends or Close is called. A missing capture device is reported
// before any session can start.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	select {
	case <-c.closing:
		c.stop()
		return ErrClosed
	default:
	}
	if src := c.deps.Source; src != nil {
		if err := src.Start(c.ctx, c.PushFrame); err != nil {
			c.stop()
			if !errors.Is(err, ErrHardwareUnavailable) {
				err = fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
			}
			c.log.Errorw("audio source failed to start", "err", err)
			return err
		}
	}
	for _, w := range c.deps.Wake {
		w.OnDetected(func(ev WakeEvent) { c.post(wakeMsg(ev)) })
	}
	c.log.Infow("session controller running", "session_timeout", c.cfg.SessionTimeout, "silence_detection", c.cfg.SilenceDetection, "threshold", c.cfg.VoiceActivityThreshold)

	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.closing:
			c.shutdown()
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

func (c *Controller) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Close disposes the controller: the active session ends with reason
// disposed, in-flight calls are cancelled and their late results ignored.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.running.Load() {
			<-c.stopped
		} else {
			c.stop()
		}
		c.cancel()
		c.wg.Wait()
		c.timers.StopAll()
		if src := c.deps.Source; src != nil {
			if err := src.Close(); err != nil {
				c.log.Warnw("audio source close error", "err", err)
			}
		}
		c.events.close()
		c.log.Infow("session controller closed", "dropped_frames", c.dropped.Load(), "dropped_events", c.events.dropped.Load())
	})
	return nil
}

// post delivers msg to the loop. It returns false once the loop has stopped.
func (c *Controller) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.stopped:
		return false
	}
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(fn func()) bool {
	done := make(chan struct{})
	if !c.post(loopFunc(func() { fn(); close(done) })) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

// PushFrame hands a captured frame to the controller without blocking. When
// the inbox is full the frame is dropped and counted.
func (c *Controller) PushFrame(f audio.Frame) {
	for _, tap := range c.deps.Taps {
		tap(f)
	}
	if f.Amplitude == 0 && len(f.PCM) > 0 {
		f.Amplitude = audio.RMS(f.PCM)
	}
	select {
	case <-c.stopped:
		return
	default:
	}
	select {
	case c.inbox <- f:
	default:
		n := c.dropped.Add(1)
		c.dropLog.Do(func() {
			c.log.Warnw("dropping audio frame; controller busy", "dropped_total", n)
		})
	}
}

// StartSession is the manual trigger. It fails with ErrSessionActive while a
// session is live.
func (c *Controller) StartSession(ctx context.Context, userID string) (VoiceSession, error) {
	reply := make(chan startReply, 1)
	if !c.post(startReq{userID: userID, trigger: TriggerManual, reply: reply}) {
		return VoiceSession{}, ErrClosed
	}
	select {
	case r := <-reply:
		return r.sess, r.err
	case <-ctx.Done():
		return VoiceSession{}, ctx.Err()
	case <-c.stopped:
		return VoiceSession{}, ErrClosed
	}
}

// EndSession ends the active session immediately. Ending when no session is
// active is a no-op.
func (c *Controller) EndSession(ctx context.Context, reason EndReason) error {
	if reason == "" {
		reason = ReasonEndCommand
	}
	reply := make(chan error, 1)
	if !c.post(endReq{reason: reason, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

// Subscribe returns a channel of lifecycle events and a function that
// releases it. Slow subscribers miss events rather than stalling the loop.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Status returns a snapshot safe to read from any goroutine.
func (c *Controller) Status() Status {
	c.snapMu.RLock()
	s := c.snap
	c.snapMu.RUnlock()
	if s.Session != nil {
		cp := *s.Session
		s.Session = &cp
	}
	s.Turns = slices.Clone(s.Turns)
	s.DroppedFrames = c.dropped.Load()
	s.DroppedEvents = c.events.dropped.Load()
	return s
}

// Idle reports whether no session is active.
func (c *Controller) Idle() bool { return c.Status().State == StateIdle }

// Turns returns the history of the active session, or of the last one.
func (c *Controller) Turns() []Turn {
	return c.Status().Turns
}

func (c *Controller) publishStatus() {
	s := Status{State: c.state, LastEndReason: c.lastReason, LastEndedAt: c.lastEnded}
	if c.sess != nil {
		cp := *c.sess
		s.Session = &cp
		s.Turns = c.turns
	} else {
		s.Turns = c.lastTurns
	}
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}

func (c *Controller) emit(ev Event) {
	ev.At = c.clock.Now()
	if ev.SessionID == "" && c.sess != nil {
		ev.SessionID = c.sess.ID
	}
	c.events.publish(ev)
}

func (c *Controller) sessionLog() logging.Logger {
	if c.sess == nil {
		return c.log
	}
	return c.log.With(logging.SessionFields(c.sess.ID, c.sess.UserID)...)
}
