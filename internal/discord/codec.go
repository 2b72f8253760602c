package discord

import "errors"

const (
	// Discord voice is always 48 kHz stereo Opus in 20 ms packets.
	discordRate     = 48000
	discordChannels = 2
	packetSamples   = 960
	maxPacketBytes  = 1275
)

var errNoCodec = errors.New("discord: built without opus support (use -tags opus)")

type decoder interface {
	// Decode writes interleaved stereo samples and returns samples per channel.
	Decode(pkt []byte, pcm []int16) (int, error)
}

type encoder interface {
	Encode(pcm []int16, out []byte) (int, error)
}

// downmix averages interleaved stereo into mono.
func downmix(stereo []int16) []int16 {
	out := make([]int16, len(stereo)/2)
	for i := range out {
		out[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return out
}

// upmix duplicates mono samples into both channels.
func upmix(mono []int16) []int16 {
	out := make([]int16, len(mono)*2)
	for i, s := range mono {
		out[2*i], out[2*i+1] = s, s
	}
	return out
}

// resample converts between rates by averaging (down) or sample-and-hold
// (up). Only integer ratios are supported.
func resample(pcm []int16, from, to int) []int16 {
	switch {
	case from == to:
		return pcm
	case from > to:
		f := from / to
		out := make([]int16, len(pcm)/f)
		for i := range out {
			var sum int32
			for j := 0; j < f; j++ {
				sum += int32(pcm[i*f+j])
			}
			out[i] = int16(sum / int32(f))
		}
		return out
	default:
		f := to / from
		out := make([]int16, len(pcm)*f)
		for i, s := range pcm {
			for j := 0; j < f; j++ {
				out[i*f+j] = s
			}
		}
		return out
	}
}
