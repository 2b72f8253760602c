// Package audio holds PCM frame helpers and the utterance accumulator.
package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Frame is one timestamped chunk of 16-bit little-endian mono PCM.
type Frame struct {
	PCM       []byte
	At        time.Time
	Amplitude float64
}

// NewFrame computes the frame's normalized RMS amplitude.
func NewFrame(pcm []byte, at time.Time) Frame {
	return Frame{PCM: pcm, At: at, Amplitude: RMS(pcm)}
}

// Format describes the PCM layout shared by sources, recognizers and players.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat matches Discord voice after downmix to mono.
var DefaultFormat = Format{SampleRate: 48000, Channels: 1}

// Duration returns how much audio n bytes of PCM16 represent.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the PCM16 size of d.
func (f Format) Bytes(d time.Duration) int {
	samples := int(d * time.Duration(f.SampleRate) / time.Second)
	return samples * 2 * f.Channels
}

// RMS returns the root-mean-square energy of PCM16LE normalized to 0..1.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sumSq += s * s
	}
	return math.Sqrt(sumSq / float64(n))
}

// Peak returns the highest absolute sample normalized to 0..1.
func Peak(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0)
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Int16ToBytes packs samples as PCM16LE.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 unpacks PCM16LE.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodeWAV creates a simple RIFF/WAVE header for PCM and returns the
// concatenated bytes (header + data).
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAV returns the PCM payload and format of a canonical PCM16 WAV.
// Chunks other than fmt and data are skipped.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var f Format
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, ErrNotWAV
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			if bits := binary.LittleEndian.Uint16(b[body+14:]); bits != 16 {
				return nil, Format{}, ErrUnsupportedBitDepth
			}
		case "data":
			if f.SampleRate == 0 {
				return nil, Format{}, ErrNotWAV
			}
			return b[body : body+size], f, nil
		}
		off = body + size + size%2
	}
	return nil, Format{}, ErrNotWAV
}
