package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/discord-voice-lab/voicesession/internal/audio"
	"github.com/discord-voice-lab/voicesession/internal/logging"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

const (
	kindUtterance = "utterance"
	kindSpeech    = "tts"
	maxPending    = 64
	fileStamp     = "20060102T150405.000Z"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int
	Format    audio.Format
	Clock     clockwork.Clock
	Log       logging.Logger
}

// Recorder keeps diagnostics on disk: a WAV and a JSON sidecar per
// utterance, later enriched with the transcript and reply, plus every
// synthesized clip. Files older than Retention or beyond MaxFiles are
// removed by the cleaner.
type Recorder struct {
	opts    RecorderOptions
	log     logging.Logger
	work    chan session.Utterance
	dropped atomic.Int64

	mu      sync.Mutex
	index   map[string]string
	pending map[string]map[string]any
}

func NewRecorder(o RecorderOptions) (*Recorder, error) {
	if strings.TrimSpace(o.Dir) == "" {
		return nil, errors.New("recorder: dir not set")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	if o.Format.SampleRate == 0 {
		o.Format = audio.DefaultFormat
	}
	return &Recorder{
		opts:    o,
		log:     o.Log.With("component", "recorder", "dir", o.Dir),
		work:    make(chan session.Utterance, 32),
		index:   make(map[string]string),
		pending: make(map[string]map[string]any),
	}, nil
}

// Hook queues u for saving. It never blocks; when the queue is full the
// utterance is skipped.
func (r *Recorder) Hook(u session.Utterance) {
	select {
	case r.work <- u:
	default:
		r.dropped.Add(1)
	}
}

// Run saves queued utterances and folds lifecycle events into their
// sidecars until ctx ends or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case u := <-r.work:
			if _, err := r.SaveUtterance(u); err != nil {
				r.log.Warnw("failed to save utterance", "correlation_id", u.CorrelationID, "err", err)
			}
		case ev, ok := <-events:
			if !ok {
				r.drain()
				return
			}
			r.observe(ev)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case u := <-r.work:
			if _, err := r.SaveUtterance(u); err != nil {
				r.log.Warnw("failed to save utterance", "correlation_id", u.CorrelationID, "err", err)
			}
		default:
			if n := r.dropped.Load(); n > 0 {
				r.log.Infow("recorder skipped utterances", "dropped", n)
			}
			return
		}
	}
}

func (r *Recorder) observe(ev session.Event) {
	if ev.CorrelationID == "" {
		return
	}
	var updates map[string]any
	switch ev.Type {
	case session.EventSpeechTranscribed:
		updates = map[string]any{
			"transcript":      ev.Text,
			"confidence":      ev.Confidence,
			"transcribed_utc": ev.At.UTC().Format(time.RFC3339Nano),
		}
	case session.EventResponseGenerated:
		updates = map[string]any{"response": ev.Text}
	default:
		return
	}
	if err := r.Merge(ev.CorrelationID, updates); err != nil {
		r.log.Debugw("sidecar merge deferred", "correlation_id", ev.CorrelationID, "err", err)
	}
}

// SaveUtterance writes the utterance WAV and its sidecar and returns the
// sidecar path.
func (r *Recorder) SaveUtterance(u session.Utterance) (string, error) {
	now := r.opts.Clock.Now().UTC()
	base := fmt.Sprintf("%s_%s_cid%s", now.Format(fileStamp), shortID(u.SessionID), u.CorrelationID)
	wavPath := filepath.Join(r.opts.Dir, base+".wav")
	jsonPath := filepath.Join(r.opts.Dir, base+".json")

	wav := audio.EncodeWAV(u.PCM, r.opts.Format.SampleRate, r.opts.Format.Channels, 16)
	if err := SaveFileAtomic(wavPath, wav, 0o644); err != nil {
		return "", err
	}
	sc := map[string]any{
		"kind":              kindUtterance,
		"session_id":        u.SessionID,
		"correlation_id":    u.CorrelationID,
		"wav_path":          wavPath,
		"bytes":             len(u.PCM),
		"duration_ms":       u.Duration.Milliseconds(),
		"trigger":           string(u.Trigger),
		"accum_created_utc": u.StartedAt.UTC().Format(time.RFC3339Nano),
		"saved_utc":         now.Format(time.RFC3339Nano),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[u.CorrelationID]; ok {
		for k, v := range p {
			sc[k] = v
		}
		delete(r.pending, u.CorrelationID)
	}
	if err := writeSidecar(jsonPath, sc); err != nil {
		_ = os.Remove(wavPath)
		return "", err
	}
	if u.CorrelationID != "" {
		r.index[u.CorrelationID] = jsonPath
	}
	r.log.Debugw("saved utterance", "path", wavPath, "correlation_id", u.CorrelationID)
	return jsonPath, nil
}

// SaveSpeech stores a synthesized clip and links it from the utterance
// sidecar when cid is known.
func (r *Recorder) SaveSpeech(cid string, opts session.SpeakOptions, wav []byte) (string, error) {
	now := r.opts.Clock.Now().UTC()
	base := fmt.Sprintf("%s_%s_%s_tts", now.Format(fileStamp), shortID(opts.SessionID), opts.Purpose)
	wavPath := filepath.Join(r.opts.Dir, base+".wav")
	if err := SaveFileAtomic(wavPath, wav, 0o644); err != nil {
		return "", err
	}
	sc := map[string]any{
		"kind":           kindSpeech,
		"session_id":     opts.SessionID,
		"correlation_id": cid,
		"purpose":        string(opts.Purpose),
		"wav_path":       wavPath,
		"saved_utc":      now.Format(time.RFC3339Nano),
	}
	if err := writeSidecar(filepath.Join(r.opts.Dir, base+".json"), sc); err != nil {
		return "", err
	}
	if cid != "" {
		if err := r.Merge(cid, map[string]any{"tts_wav_path": wavPath, "tts_saved_utc": now.Format(time.RFC3339Nano)}); err != nil {
			r.log.Debugw("tts link deferred", "correlation_id", cid, "err", err)
		}
	}
	return wavPath, nil
}

// Merge folds updates into the sidecar for cid. Updates for an utterance
// that has not been written yet are held and applied when it is.
func (r *Recorder) Merge(cid string, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.findLocked(cid)
	if path == "" {
		if len(r.pending) >= maxPending {
			return fmt.Errorf("sidecar not found for cid=%s and pending queue full", cid)
		}
		p := r.pending[cid]
		if p == nil {
			p = make(map[string]any, len(updates))
			r.pending[cid] = p
		}
		for k, v := range updates {
			p[k] = v
		}
		return fmt.Errorf("sidecar not found for cid=%s; held", cid)
	}
	sc, err := readSidecar(path)
	if err != nil {
		return err
	}
	for k, v := range updates {
		sc[k] = v
	}
	return writeSidecar(path, sc)
}

// FindByCID returns the utterance sidecar path for cid, or "".
func (r *Recorder) FindByCID(cid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(cid)
}

func (r *Recorder) findLocked(cid string) string {
	if cid == "" {
		return ""
	}
	if p, ok := r.index[cid]; ok {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		delete(r.index, cid)
	}
	// files written by an earlier process
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || !strings.Contains(name, "cid"+cid) {
			continue
		}
		path := filepath.Join(r.opts.Dir, name)
		if sc, err := readSidecar(path); err == nil && sc["kind"] == kindUtterance && sc["correlation_id"] == cid {
			r.index[cid] = path
			return path
		}
	}
	return ""
}

// Clean removes sidecars and their WAVs older than Retention, then the
// oldest pairs beyond MaxFiles.
func (r *Recorder) Clean() int {
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		r.log.Debugw("cleanup readDir failed", "err", err)
		return 0
	}
	type pair struct {
		jsonPath string
		wavPaths []string
		mod      time.Time
	}
	var pairs []pair
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(r.opts.Dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := pair{jsonPath: jsonPath, mod: info.ModTime()}
		if sc, err := readSidecar(jsonPath); err == nil {
			for _, key := range []string{"wav_path", "tts_wav_path"} {
				if v, ok := sc[key].(string); ok && v != "" {
					p.wavPaths = append(p.wavPaths, v)
				}
			}
		}
		if len(p.wavPaths) == 0 {
			p.wavPaths = []string{strings.TrimSuffix(jsonPath, ".json") + ".wav"}
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pair) {
		_ = os.Remove(p.jsonPath)
		for _, w := range p.wavPaths {
			_ = os.Remove(w)
		}
	}
	cutoff := r.opts.Clock.Now().Add(-r.opts.Retention)
	removed := 0
	kept := pairs[:0]
	for _, p := range pairs {
		if r.opts.Retention > 0 && p.mod.Before(cutoff) {
			remove(p)
			removed++
			continue
		}
		kept = append(kept, p)
	}
	if r.opts.MaxFiles > 0 && len(kept) > r.opts.MaxFiles {
		for _, p := range kept[:len(kept)-r.opts.MaxFiles] {
			remove(p)
			removed++
		}
	}
	if removed > 0 {
		r.mu.Lock()
		for cid, path := range r.index {
			if _, err := os.Stat(path); err != nil {
				delete(r.index, cid)
			}
		}
		r.mu.Unlock()
		r.log.Infow("removed old diagnostics", "removed", removed)
	}
	return removed
}

// RunCleaner calls Clean every interval until ctx ends.
func (r *Recorder) RunCleaner(ctx context.Context, interval time.Duration) {
	t := r.opts.Clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			r.Clean()
		}
	}
}

func readSidecar(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc map[string]any
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	return sc, nil
}

func writeSidecar(path string, sc map[string]any) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return SaveFileAtomic(path, b, 0o644)
}

func shortID(id string) string {
	if id == "" {
		return "nosession"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
