package audio

import (
	"bytes"
	"math"
	"testing"
	"time"
)

// tone returns n PCM16 samples of constant magnitude v with alternating sign.
func tone(n int, v int16) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = v
		} else {
			s[i] = -v
		}
	}
	return Int16ToBytes(s)
}

func TestRMSAndPeak(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil): want=0 got=%v", got)
	}
	pcm := tone(480, 16384)
	if got := RMS(pcm); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("RMS: want=0.5 got=%v", got)
	}
	if got := Peak(pcm); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("Peak: want=0.5 got=%v", got)
	}
	if got := RMS(tone(480, 0)); got != 0 {
		t.Fatalf("RMS silence: want=0 got=%v", got)
	}
}

func TestFormatDuration(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 1}
	if got := f.Duration(f.Bytes(20 * time.Millisecond)); got != 20*time.Millisecond {
		t.Fatalf("round trip 20ms: got=%v", got)
	}
	if got := f.Bytes(time.Second); got != 96000 {
		t.Fatalf("Bytes(1s): want=96000 got=%d", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := tone(960, 1200)
	wav := EncodeWAV(pcm, 48000, 1, 16)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav size: want=%d got=%d", 44+len(pcm), len(wav))
	}
	got, f, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f.SampleRate != 48000 || f.Channels != 1 {
		t.Fatalf("format: got=%+v", f)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatal("decoded pcm differs from input")
	}
	if _, _, err := DecodeWAV([]byte("not a wav at all")); err != ErrNotWAV {
		t.Fatalf("DecodeWAV garbage: want=%v got=%v", ErrNotWAV, err)
	}
}

func TestAccumulatorSnapshotAndClear(t *testing.T) {
	a := NewAccumulator(DefaultFormat)
	t0 := time.Unix(100, 0)
	a.Append(NewFrame(tone(960, 100), t0))
	a.Append(NewFrame(tone(960, 200), t0.Add(20*time.Millisecond)))

	if got := a.Duration(); got != 40*time.Millisecond {
		t.Fatalf("Duration: want=40ms got=%v", got)
	}
	if !a.StartedAt().Equal(t0) {
		t.Fatalf("StartedAt: want=%v got=%v", t0, a.StartedAt())
	}

	snap := a.SnapshotAndClear()
	if len(snap) != 2*960*2 {
		t.Fatalf("snapshot size: want=%d got=%d", 2*960*2, len(snap))
	}
	if a.Len() != 0 || a.Frames() != 0 {
		t.Fatalf("accumulator not cleared: len=%d frames=%d", a.Len(), a.Frames())
	}

	// later appends never leak into an already taken snapshot
	before := append([]byte(nil), snap...)
	a.Append(NewFrame(tone(960, 300), t0.Add(time.Second)))
	if !bytes.Equal(before, snap) {
		t.Fatal("snapshot mutated by later append")
	}
	if got := a.SnapshotAndClear(); len(got) != 960*2 {
		t.Fatalf("second snapshot: want=%d got=%d", 960*2, len(got))
	}
}
