package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// Player plays a synthesized WAV and returns once playback has finished or
// ctx ends.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// TTSSynthesizer sends text to an external synthesis service and plays the
// audio it returns.
type TTSSynthesizer struct {
	URL       string
	AuthToken string
	Client    *http.Client
	Timeout   time.Duration
	Player    Player
	// Recorder, when set, keeps a copy of every synthesized clip.
	Recorder *Recorder
	Log      logging.Logger
}

func NewTTSSynthesizer(url, authToken string, player Player, log logging.Logger) (*TTSSynthesizer, error) {
	if url == "" {
		return nil, errors.New("tts: url not set")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &TTSSynthesizer{
		URL:       url,
		AuthToken: authToken,
		Client:    &http.Client{},
		Timeout:   30 * time.Second,
		Player:    player,
		Log:       log.With("component", "tts"),
	}, nil
}

type ttsRequest struct {
	Text    string `json:"text"`
	Voice   string `json:"voice,omitempty"`
	Style   string `json:"style,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// Speak implements session.Synthesizer.
func (t *TTSSynthesizer) Speak(ctx context.Context, text string, opts session.SpeakOptions) error {
	if text == "" {
		return nil
	}
	log := logging.Ctx(ctx, t.Log).With("purpose", opts.Purpose)
	body, err := json.Marshal(ttsRequest{Text: text, Voice: opts.Voice, Style: opts.Style, Purpose: string(opts.Purpose)})
	if err != nil {
		return fmt.Errorf("tts: %w: %v", resilience.ErrPermanent, err)
	}

	reqCtx, cancel := withTimeout(ctx, t.Timeout)
	resp, err := post(reqCtx, t.Client, "tts", t.URL, "application/json", body, t.AuthToken)
	cancel()
	if err != nil {
		return err
	}
	if len(resp.body) == 0 {
		return fmt.Errorf("tts: %w: empty audio", resilience.ErrTransient)
	}
	log.Debugw("tts audio received", "bytes", len(resp.body), "latency_ms", resp.latency.Milliseconds())

	if t.Recorder != nil {
		if _, err := t.Recorder.SaveSpeech(session.CorrelationID(ctx), opts, resp.body); err != nil {
			log.Warnw("tts: failed to save audio", "err", err)
		}
	}
	if t.Player == nil {
		return nil
	}
	if err := t.Player.Play(ctx, resp.body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// playback failures are never retried
		return fmt.Errorf("tts playback: %w: %v", resilience.ErrPermanent, err)
	}
	return nil
}

// FilePlayer "plays" clips by writing them to Dir. It stands in for an
// output device on headless hosts.
type FilePlayer struct {
	Dir string
	now func() time.Time
}

func (p *FilePlayer) Play(ctx context.Context, wav []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	name := now().UTC().Format("20060102T150405.000Z") + "_playback.wav"
	return SaveFileAtomic(filepath.Join(p.Dir, name), wav, 0o644)
}
