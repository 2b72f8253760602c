package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

type capturePlayer struct {
	played [][]byte
	err    error
}

func (p *capturePlayer) Play(ctx context.Context, wav []byte) error {
	p.played = append(p.played, wav)
	return p.err
}

func ttsServer(t *testing.T, wav []byte, got *ttsRequest, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTTSSpeakPlaysAudio(t *testing.T) {
	wav := audio.EncodeWAV(make([]byte, 320), 16000, 1, 16)
	var got ttsRequest
	var auth string
	srv := ttsServer(t, wav, &got, &auth)

	player := &capturePlayer{}
	tts, err := NewTTSSynthesizer(srv.URL, "secret", player, nil)
	if err != nil {
		t.Fatal(err)
	}
	opts := session.SpeakOptions{Voice: "alto", Style: "calm", Purpose: session.PurposeFarewell}
	if err := tts.Speak(context.Background(), "Goodbye.", opts); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got.Text != "Goodbye." || got.Voice != "alto" || got.Style != "calm" || got.Purpose != "farewell" {
		t.Fatalf("request mismatch: %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("auth header: want=%q got=%q", "Bearer secret", auth)
	}
	if len(player.played) != 1 || len(player.played[0]) != len(wav) {
		t.Fatalf("player got %d clips", len(player.played))
	}
}

func TestTTSPlaybackFailureIsPermanent(t *testing.T) {
	var got ttsRequest
	var auth string
	srv := ttsServer(t, []byte("RIFF"), &got, &auth)
	tts, _ := NewTTSSynthesizer(srv.URL, "", &capturePlayer{err: errors.New("not connected to voice")}, nil)

	err := tts.Speak(context.Background(), "hi", session.SpeakOptions{})
	if !resilience.IsPermanent(err) {
		t.Fatalf("playback error should be permanent: %v", err)
	}
}

func TestTTSServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	tts, _ := NewTTSSynthesizer(srv.URL, "", nil, nil)
	err := tts.Speak(context.Background(), "hi", session.SpeakOptions{})
	if err == nil || !resilience.IsRetryable(err) {
		t.Fatalf("503 should be retryable: %v", err)
	}
}

func TestTTSSavesClip(t *testing.T) {
	wav := audio.EncodeWAV(make([]byte, 320), 16000, 1, 16)
	var got ttsRequest
	var auth string
	srv := ttsServer(t, wav, &got, &auth)

	rec, err := NewRecorder(RecorderOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	tts, _ := NewTTSSynthesizer(srv.URL, "", nil, nil)
	tts.Recorder = rec
	if err := tts.Speak(context.Background(), "hello", session.SpeakOptions{SessionID: "s1", Purpose: session.PurposeGreeting}); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(rec.opts.Dir)
	if len(entries) != 2 {
		t.Fatalf("want wav and sidecar, got %d files", len(entries))
	}
}

func TestFilePlayerWritesClip(t *testing.T) {
	dir := t.TempDir()
	p := &FilePlayer{Dir: dir}
	if err := p.Play(context.Background(), []byte("RIFFdata")); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("want 1 file got %d", len(entries))
	}
}
