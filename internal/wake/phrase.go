package wake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/session"
	"github.com/discord-voice-lab/voicesession/internal/vad"
	"github.com/discord-voice-lab/voicesession/internal/voice"
)

// PhraseOptions configures a PhraseTrigger.
type PhraseOptions struct {
	Phrases []string
	// Window lets the phrase start within the first Window words.
	Window     int
	VAD        vad.Params
	MaxListen  time.Duration
	Timeout    time.Duration
	QueueSize  int
	UserID     string
	Recognizer session.Recognizer
	// Idle gates detection; frames are ignored while it returns false.
	Idle  func() bool
	Clock clockwork.Clock
	Log   logging.Logger
}

// PhraseTrigger listens to raw frames while no session is active, sends
// each short burst of speech to the recognizer and fires when the
// transcript opens with a wake phrase.
type PhraseTrigger struct {
	opts     PhraseOptions
	detector *voice.WakeDetector
	monitor  *vad.Monitor
	buf      *audio.Accumulator
	log      logging.Logger
	frames   chan audio.Frame
	dropped  atomic.Int64

	mu sync.Mutex
	cb func(session.WakeEvent)
}

func NewPhraseTrigger(o PhraseOptions) (*PhraseTrigger, error) {
	if o.Recognizer == nil {
		return nil, errors.New("wake: recognizer required")
	}
	if len(o.Phrases) == 0 {
		return nil, errors.New("wake: no wake phrases")
	}
	mon, err := vad.New(o.VAD)
	if err != nil {
		return nil, err
	}
	if o.MaxListen <= 0 {
		o.MaxListen = 3 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Idle == nil {
		o.Idle = func() bool { return true }
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	return &PhraseTrigger{
		opts:     o,
		detector: voice.NewWakeDetector(o.Phrases, o.Window),
		monitor:  mon,
		buf:      audio.NewAccumulator(o.VAD.Format),
		log:      o.Log.With("component", "wake"),
		frames:   make(chan audio.Frame, o.QueueSize),
	}, nil
}

// OnDetected implements session.WakeTrigger.
func (p *PhraseTrigger) OnDetected(cb func(session.WakeEvent)) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
}

// Tap queues a frame for detection without blocking. Install it as a
// controller tap.
func (p *PhraseTrigger) Tap(f audio.Frame) {
	select {
	case p.frames <- f:
	default:
		p.dropped.Add(1)
	}
}

// Run consumes tapped frames until ctx ends.
func (p *PhraseTrigger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.frames:
			p.process(ctx, f)
		}
	}
}

func (p *PhraseTrigger) process(ctx context.Context, f audio.Frame) {
	if !p.opts.Idle() {
		if p.monitor.Speaking() || p.buf.Len() > 0 {
			p.monitor.Reset()
			p.buf.Reset()
		}
		return
	}
	if f.Amplitude == 0 && len(f.PCM) > 0 {
		f.Amplitude = audio.RMS(f.PCM)
	}
	r := p.monitor.Process(f)
	switch {
	case r.Transition == vad.SpeechStart:
		p.buf.Reset()
		for _, pf := range r.Preroll {
			p.buf.Append(pf)
		}
		return
	case !p.monitor.Speaking() && r.Transition != vad.SilenceDetected:
		return
	}
	p.buf.Append(f)
	if r.Transition == vad.SilenceDetected || p.buf.Duration() >= p.opts.MaxListen {
		pcm := p.buf.SnapshotAndClear()
		p.monitor.Reset()
		p.check(ctx, pcm)
	}
}

func (p *PhraseTrigger) check(ctx context.Context, pcm []byte) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	t, err := p.opts.Recognizer.Transcribe(cctx, pcm)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Debugw("wake transcription failed", "err", err)
		}
		return
	}
	phrase, rest, ok := p.detector.Detect(t.Text)
	if !ok {
		p.log.Debugw("no wake phrase", "text_len", len(t.Text))
		return
	}
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb == nil {
		return
	}
	p.log.Infow("wake phrase detected", "phrase", phrase, "rest_len", len(rest))
	cb(session.WakeEvent{UserID: p.opts.UserID, Trigger: session.TriggerWakeWord, Phrase: phrase, At: p.opts.Clock.Now()})
}
