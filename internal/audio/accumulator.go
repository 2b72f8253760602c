package audio

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotWAV              = errors.New("audio: not a PCM WAV stream")
	ErrUnsupportedBitDepth = errors.New("audio: only 16-bit PCM is supported")
)

// Accumulator collects the frames of one utterance in arrival order. The
// only way to read it is SnapshotAndClear, so a caller never observes a
// buffer that is still being appended to.
type Accumulator struct {
	mu      sync.Mutex
	format  Format
	buf     []byte
	frames  int
	started time.Time
}

func NewAccumulator(f Format) *Accumulator {
	return &Accumulator{format: f}
}

// Append copies the frame's PCM onto the end of the buffer.
func (a *Accumulator) Append(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames == 0 {
		a.started = f.At
	}
	a.buf = append(a.buf, f.PCM...)
	a.frames++
}

// Len is the number of buffered bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Frames is the number of appended frames.
func (a *Accumulator) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Duration is the audio time covered by the buffered bytes.
func (a *Accumulator) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.format.Duration(len(a.buf))
}

// StartedAt is the timestamp of the first buffered frame, or zero.
func (a *Accumulator) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// SnapshotAndClear returns the accumulated bytes and resets to empty. The
// returned slice is owned by the caller.
func (a *Accumulator) SnapshotAndClear() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.buf
	a.buf = nil
	a.frames = 0
	a.started = time.Time{}
	return out
}

// Reset drops everything without handing it out.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buf = nil
	a.frames = 0
	a.started = time.Time{}
	a.mu.Unlock()
}
