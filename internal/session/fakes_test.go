package session

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
)

type recStep struct {
	t   Transcript
	err error
}

type fakeRecognizer struct {
	mu     sync.Mutex
	script []recStep
	calls  [][]byte
	called chan []byte
	// gate, when set, holds every call until it is closed or ctx ends
	gate chan struct{}
	// cancelled counts calls that returned because ctx ended
	cancelled int
}

func newFakeRecognizer(steps ...recStep) *fakeRecognizer {
	return &fakeRecognizer{script: steps, called: make(chan []byte, 64)}
}

func said(text string, conf float64) recStep {
	return recStep{t: Transcript{Text: text, Confidence: conf}}
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, pcm []byte) (Transcript, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pcm)
	var step recStep
	if len(f.script) > 0 {
		step = f.script[0]
		f.script = f.script[1:]
	}
	gate := f.gate
	f.mu.Unlock()
	f.called <- pcm

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return Transcript{}, ctx.Err()
		}
	}
	return step.t, step.err
}

func (f *fakeRecognizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRecognizer) cancelledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type spoken struct {
	text string
	opts SpeakOptions
}

type fakeSynth struct {
	mu      sync.Mutex
	said    []spoken
	failFor map[Purpose]error
	ch      chan spoken
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{failFor: map[Purpose]error{}, ch: make(chan spoken, 64)}
}

func (f *fakeSynth) Speak(ctx context.Context, text string, opts SpeakOptions) error {
	f.mu.Lock()
	f.said = append(f.said, spoken{text: text, opts: opts})
	err := f.failFor[opts.Purpose]
	f.mu.Unlock()
	f.ch <- spoken{text: text, opts: opts}
	return err
}

func (f *fakeSynth) purposes() []Purpose {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Purpose, 0, len(f.said))
	for _, s := range f.said {
		out = append(out, s.opts.Purpose)
	}
	return out
}

type fakeDialogue struct {
	mu        sync.Mutex
	reply     string
	err       error
	calls     []string
	forgotten []string
	// gate, when set, holds every reply until it is closed or ctx ends
	gate chan struct{}
}

func (f *fakeDialogue) Respond(ctx context.Context, sessionID, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	reply, err, gate := f.reply, f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeDialogue) Forget(sessionID string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, sessionID)
	f.mu.Unlock()
}

func (f *fakeDialogue) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeDialogue) forgot(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.forgotten, id)
}

func (f *fakeDialogue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeWake struct {
	mu sync.Mutex
	cb func(WakeEvent)
}

func (w *fakeWake) OnDetected(cb func(WakeEvent)) {
	w.mu.Lock()
	w.cb = cb
	w.mu.Unlock()
}

func (w *fakeWake) fire(t *testing.T, ev WakeEvent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		cb := w.cb
		w.mu.Unlock()
		if cb != nil {
			cb(ev)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("wake trigger never registered")
}

type fakeSource struct {
	startErr error
	closed   bool
}

func (s *fakeSource) Start(ctx context.Context, push func(audio.Frame)) error { return s.startErr }
func (s *fakeSource) Close() error                                            { s.closed = true; return nil }

const stepDur = 20 * time.Millisecond

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Format = testFormat
	cfg.SessionTimeout = 30 * time.Second
	cfg.SilenceDetection = 2 * time.Second
	cfg.MinSpeechDuration = 100 * time.Millisecond
	cfg.MinSilenceDuration = 100 * time.Millisecond
	cfg.MaxSpeechDuration = 15 * time.Second
	cfg.VoiceActivityThreshold = 0.1
	cfg.MaxRetries = 3
	cfg.MinConfidence = 0.5
	cfg.FrameQueue = 1024
	cfg.Prompts.Greeting = ""
	return cfg
}

type harness struct {
	t          *testing.T
	c          *Controller
	clock      clockwork.FakeClock
	rec        *fakeRecognizer
	syn        *fakeSynth
	dlg        *fakeDialogue
	wake       *fakeWake
	events     <-chan Event
	seen       []Event
	utterances chan Utterance
	runDone    chan error
}

func newHarness(t *testing.T, rec *fakeRecognizer, mutate func(*Config)) *harness {
	t.Helper()
	// backoff on the real clock keeps retry tests independent of frame stepping
	return newHarnessWithRetry(t, rec, mutate, resilience.Policy{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Jitter:    -1,
		Clock:     clockwork.NewRealClock(),
	})
}

func newHarnessWithRetry(t *testing.T, rec *fakeRecognizer, mutate func(*Config), retry resilience.Policy) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:          t,
		clock:      clockwork.NewFakeClock(),
		rec:        rec,
		syn:        newFakeSynth(),
		dlg:        &fakeDialogue{reply: "Sure."},
		wake:       &fakeWake{},
		utterances: make(chan Utterance, 16),
		runDone:    make(chan error, 1),
	}
	c, err := New(cfg, Deps{
		Recognizer:  h.rec,
		Synthesizer: h.syn,
		Dialogue:    h.dlg,
		Wake:        []WakeTrigger{h.wake},
		OnUtterance: func(u Utterance) { h.utterances <- u },
		Clock:       h.clock,
		Retry:       retry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	h.events, _ = c.Subscribe(8192)
	go func() { h.runDone <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = c.Close()
		<-h.runDone
	})
	return h
}

var (
	loud  = audio.Int16ToBytes(alternating(320, 16384))
	quiet = make([]byte, 640)
)

func alternating(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = v
		} else {
			s[i] = -v
		}
	}
	return s
}

// sync waits until everything posted so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	if !h.c.do(func() {}) {
		h.t.Fatal("controller loop stopped")
	}
}

// step pushes one 20ms frame, lets the loop handle it, then moves the clock.
func (h *harness) step(pcm []byte) {
	h.t.Helper()
	h.c.PushFrame(audio.NewFrame(pcm, h.clock.Now()))
	h.sync()
	h.clock.Advance(stepDur)
}

func (h *harness) steps(pcm []byte, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.step(pcm)
	}
}

// utter speaks for 600ms and then stays quiet long enough for the silence
// timer to finalize the utterance.
func (h *harness) utter() {
	h.t.Helper()
	h.steps(loud, 30)
	h.steps(quiet, 110)
}

func (h *harness) start(userID string) VoiceSession {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := h.c.StartSession(ctx, userID)
	if err != nil {
		h.t.Fatalf("StartSession: %v", err)
	}
	h.waitState(StateListening)
	return s
}

func (h *harness) waitEvent(desc string, match func(Event) bool) Event {
	h.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				h.t.Fatalf("event stream closed waiting for %s", desc)
			}
			h.seen = append(h.seen, ev)
			if match(ev) {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s; seen=%v", desc, h.typesSeen())
		}
	}
}

func (h *harness) waitState(to State) Event {
	h.t.Helper()
	return h.waitEvent("state "+string(to), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.To == to
	})
}

func (h *harness) waitEnded() Event {
	h.t.Helper()
	return h.waitEvent("session_ended", func(ev Event) bool { return ev.Type == EventSessionEnded })
}

// drain collects whatever is already buffered.
func (h *harness) drain() {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.seen = append(h.seen, ev)
		default:
			return
		}
	}
}

func (h *harness) count(tp EventType) int {
	n := 0
	for _, ev := range h.seen {
		if ev.Type == tp {
			n++
		}
	}
	return n
}

func (h *harness) typesSeen() []string {
	out := make([]string, 0, len(h.seen))
	for _, ev := range h.seen {
		if ev.Type == EventStateChanged {
			out = append(out, string(ev.From)+"->"+string(ev.To))
			continue
		}
		out = append(out, string(ev.Type))
	}
	return out
}

func (h *harness) waitSpoken(p Purpose) spoken {
	h.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-h.syn.ch:
			if s.opts.Purpose == p {
				return s
			}
		case <-timeout:
			h.t.Fatalf("nothing spoken with purpose %s; spoke=%v", p, h.syn.purposes())
		}
	}
}

func (h *harness) waitUtterance() Utterance {
	h.t.Helper()
	select {
	case u := <-h.utterances:
		return u
	case <-time.After(3 * time.Second):
		h.t.Fatal("no utterance finalized")
	}
	return Utterance{}
}
