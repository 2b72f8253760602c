// Package voice adapts HTTP speech services and on-disk diagnostics to the
// session controller's collaborator ports.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

// WhisperRecognizer posts utterances as WAV to a Whisper-compatible
// transcription endpoint.
type WhisperRecognizer struct {
	URL       string
	Language  string
	BeamSize  int
	Translate bool
	Format    audio.Format
	Client    *http.Client
	Log       logging.Logger
}

func NewWhisperRecognizer(rawURL string, format audio.Format, log logging.Logger) (*WhisperRecognizer, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("whisper: url not set")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("whisper: bad url: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &WhisperRecognizer{
		URL:    rawURL,
		Format: format,
		Client: &http.Client{},
		Log:    log.With("component", "whisper"),
	}, nil
}

type whisperSegment struct {
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

type whisperResponse struct {
	Text         string           `json:"text"`
	Language     string           `json:"language"`
	Confidence   *float64         `json:"confidence"`
	Segments     []whisperSegment `json:"segments"`
	ProcessingMS float64          `json:"processing_ms"`
}

func (w *WhisperRecognizer) endpoint() string {
	u, err := url.Parse(w.URL)
	if err != nil {
		return w.URL
	}
	q := u.Query()
	if w.Translate {
		q.Set("task", "translate")
	}
	if w.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(w.BeamSize))
	}
	if w.Language != "" {
		q.Set("language", w.Language)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Transcribe implements session.Recognizer.
func (w *WhisperRecognizer) Transcribe(ctx context.Context, pcm []byte) (session.Transcript, error) {
	if len(pcm) == 0 {
		return session.Transcript{}, nil
	}
	log := logging.Ctx(ctx, w.Log)
	wav := audio.EncodeWAV(pcm, w.Format.SampleRate, w.Format.Channels, 16)
	log.Debugw("sending audio to whisper", logging.UtteranceFields(len(pcm), w.Format.Duration(len(pcm)).Milliseconds())...)

	resp, err := post(ctx, w.Client, "whisper", w.endpoint(), "audio/wav", wav, "")
	if err != nil {
		return session.Transcript{}, err
	}
	var out whisperResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return session.Transcript{}, fmt.Errorf("whisper: %w: decode response: %v", resilience.ErrTransient, err)
	}

	serverMS := int(out.ProcessingMS)
	if v := resp.header.Get("X-Processing-Time-ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			serverMS = n
		}
	}
	t := session.Transcript{
		Text:       strings.TrimSpace(out.Text),
		Language:   out.Language,
		Confidence: confidence(out),
	}
	log.Infow("STT response received", "stt_latency_ms", resp.latency.Milliseconds(), "stt_server_ms", serverMS, "confidence", t.Confidence, "text_len", len(t.Text))
	return t, nil
}

// confidence prefers an explicit score. Otherwise it averages per-segment
// token probability discounted by the no-speech probability.
func confidence(r whisperResponse) float64 {
	if r.Confidence != nil {
		return clamp01(*r.Confidence)
	}
	if len(r.Segments) == 0 {
		if strings.TrimSpace(r.Text) == "" {
			return 0
		}
		return 1
	}
	var sum float64
	for _, s := range r.Segments {
		sum += math.Exp(s.AvgLogprob) * (1 - s.NoSpeechProb)
	}
	return clamp01(sum / float64(len(r.Segments)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// withTimeout bounds a call when the caller did not.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
